package orchestrator

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// idNamespace derives ids from the event that caused them. A redelivered
// event creates the same records, so creation can be retried safely.
var idNamespace = uuid.MustParse("0d6c3a51-9e0f-4a8e-b0a7-3f1d62c4e7b9")

// DeriveID returns a stable id for the given parts.
func DeriveID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "/"))).String()
}

func childID(parentID, eventID string, index int) string {
	return DeriveID(parentID, eventID, "child", strconv.Itoa(index))
}

func notifyIDFor(nodeExecutionID string) string {
	return DeriveID(nodeExecutionID, "notify")
}

func retryID(oldID string) string {
	return DeriveID(oldID, "retry")
}

func nextStepID(nodeExecutionID string) string {
	return DeriveID(nodeExecutionID, "next")
}

// Wait ids. Registering the same wait twice is a no-op.
func resumeWaitID(nodeExecutionID, key string) string {
	return "resume/" + nodeExecutionID + "/" + key
}

func childrenWaitID(childID string) string {
	return "maxc/" + childID
}

// InterventionCorrelationID is the correlation id an intervention decision
// is notified on.
func InterventionCorrelationID(nodeExecutionID string) string {
	return "intervention/" + nodeExecutionID
}

// node event ids
func nodeEventID(nodeExecutionID string, parts ...string) string {
	return DeriveID(append([]string{nodeExecutionID, "event"}, parts...)...)
}
