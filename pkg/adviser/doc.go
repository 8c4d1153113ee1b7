// Package adviser decides what happens after a node finished.
//
// A node's adviser obtainments are tried in declaration order against the
// finished status and step response. The first adviser returning advice wins;
// no advice at all ends the enclosing sequence with the node's status.
//
// Built-in advisers:
//
//	ON_SUCCESS            NEXT on SUCCEEDED or IGNORE_FAILED, END without next_node_id
//	ON_FAIL               NEXT to a recovery node on FAILED or EXPIRED
//	RETRY                 new attempt with max_retries, wait_intervals and after_retry
//	ROLLBACK              continue with a rollback node
//	MANUAL_INTERVENTION   wait for an interrupt, with timeout and timeout_action
//	RESPONSE_CODE_SWITCH  NEXT chosen by the observed response code
//	IGNORE                mark the failure ignored, optionally continue
//	END                   end the sequence
//	POLICY                ask a Rego routing policy
package adviser
