package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		danglingReferencesPolicy(),
		retryLimitsPolicy(),
		accountScopePolicy(),
		shellTimeoutsPolicy(),
	}
}

// MaxRetryCount is the largest retry_count retry-limits admits.
const MaxRetryCount = 10

func retryLimitsPolicy() Policy {
	return Policy{
		Name:        "retry-limits",
		Description: "RETRY advisers may retry a node at most 10 times",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"advisers"},
		Rego: `package pms.policies.retry

import rego.v1

deny contains violation if {
	some node in input.plan.nodes
	some adviser in node.advisers
	adviser.type == "RETRY"
	adviser.parameters.retry_count > 10
	violation := {
		"message": sprintf("node %s retries %v times; at most 10 are allowed", [node.identifier, adviser.parameters.retry_count]),
		"node": node.identifier,
	}
}
`,
	}
}

func accountScopePolicy() Policy {
	return Policy{
		Name:        "account-scope",
		Description: "Plan executions should be scoped to an account",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"setup"},
		Rego: `package pms.policies.scope

import rego.v1

deny contains "plan execution has no accountId setup abstraction" if {
	not input.setup.accountId
}
`,
	}
}

func shellTimeoutsPolicy() Policy {
	return Policy{
		Name:        "shell-timeouts",
		Description: "SHELL steps should bound their run time",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"steps"},
		Rego: `package pms.policies.shell

import rego.v1

deny contains violation if {
	some node in input.plan.nodes
	node.step_type == "SHELL"
	not node.step_parameters.timeout
	violation := {
		"message": sprintf("shell node %s has no timeout", [node.identifier]),
		"node": node.identifier,
	}
}
`,
	}
}

func danglingReferencesPolicy() Policy {
	return Policy{
		Name:        "dangling-references",
		Description: "Adviser next nodes and FANOUT children must name nodes of the plan",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"structure"},
		Rego: `package pms.policies.references

import rego.v1

node_ids := {n.uuid | some n in input.plan.nodes}

deny contains violation if {
	some node in input.plan.nodes
	some adviser in node.advisers
	target := adviser.parameters.next_node_id
	not target in node_ids
	violation := {
		"message": sprintf("node %s: %s adviser points at unknown node %s", [node.identifier, adviser.type, target]),
		"node": node.identifier,
	}
}

deny contains violation if {
	some node in input.plan.nodes
	node.step_type == "FANOUT"
	some child in node.step_parameters.children
	not child in node_ids
	violation := {
		"message": sprintf("node %s fans out to unknown node %s", [node.identifier, child]),
		"node": node.identifier,
	}
}
`,
	}
}
