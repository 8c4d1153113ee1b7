// Package policy evaluates Rego routing policies for the POLICY adviser.
//
// A routing policy is a Rego module that defines a decision rule. The rule is
// queried with a DecisionInput describing the finished node and yields either
// an advice type string or an object:
//
//	package orchestra.routing.deploy
//
//	import rego.v1
//
//	decision := {"type": "ROLLBACK", "next_node_id": "undo"} if {
//		input.status == "FAILED"
//		input.node.state_type == "DELEGATE"
//	}
//
// An undefined decision means the policy has no advice and the adviser engine
// moves on to the next adviser of the node.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//	_ = eng.Watch(ctx, []string{"./policies"})
//
//	decision, err := eng.Decide(ctx, "deploy", &policy.DecisionInput{
//	    Node:   policy.NodeInfo{SetupID: "deploy", StateType: "DELEGATE"},
//	    Status: engine.StatusFailed,
//	})
//
// # Built-in Policies
//
//   - retry-on-timeout: retries expired nodes and TIMEOUT failures
//   - retry-server-errors: retries 5xx response codes, then routes to a fallback
//   - intervene-in-production: asks for manual intervention on production failures
//
// # Hot Reload
//
// Watch uses fsnotify to reload the policy paths after changes. Reloads are
// debounced and atomic: if any policy fails to compile the previous set stays
// active.
package policy
