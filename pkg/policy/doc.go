// Package policy admits plans before they run. Policies are Rego modules
// evaluated by OPA against the plan, its setup abstractions and the
// operation (start or retry).
//
// A policy reports violations through a deny set:
//
//	package pms.policies.example
//
//	import rego.v1
//
//	deny contains violation if {
//		some node in input.plan.nodes
//		node.step_type == "SHELL"
//		violation := {"message": sprintf("%s runs a shell", [node.identifier]), "node": node.identifier}
//	}
//
// A violation is a string or an object with message, node and severity.
// Violations of severity error or critical block the plan; info and warning
// violations are reported only.
//
// Built-in policies:
//   - dangling-references: adviser next nodes and FANOUT children must exist (error)
//   - retry-limits: RETRY advisers may retry at most 10 times (error)
//   - account-scope: executions should carry an accountId setup abstraction (warning)
//   - shell-timeouts: SHELL steps should set a timeout (warning)
//
// Further policies are loaded from .rego files, which default to warning
// severity, or from .json files holding a Policy document.
package policy
