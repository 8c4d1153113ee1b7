package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		retryOnTimeoutPolicy(),
		retryServerErrorsPolicy(),
		interveneInProductionPolicy(),
	}
}

// retryOnTimeoutPolicy retries nodes that expired or failed with a TIMEOUT failure type.
func retryOnTimeoutPolicy() Policy {
	return Policy{
		Name:        "retry-on-timeout",
		Description: "Retries timed out nodes up to parameters.max_retries times (default 2)",
		Enabled:     true,
		Tags:        []string{"retry", "timeout"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package orchestra.routing.retry_on_timeout

import rego.v1

default max_retries := 2

max_retries := input.parameters.max_retries if input.parameters.max_retries

default delay := "0s"

delay := input.parameters.delay if input.parameters.delay

timed_out if input.status == "EXPIRED"

timed_out if "TIMEOUT" in input.failure.failure_types

decision := {"type": "RETRY", "delay": delay, "reason": "timed out"} if {
	timed_out
	input.retry_count < max_retries
}
`,
	}
}

// retryServerErrorsPolicy retries failures that observed a 5xx response code.
func retryServerErrorsPolicy() Policy {
	return Policy{
		Name:        "retry-server-errors",
		Description: "Retries failed nodes whose response code is 5xx, then routes to parameters.fallback",
		Enabled:     true,
		Tags:        []string{"retry", "http"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package orchestra.routing.retry_server_errors

import rego.v1

default max_retries := 3

max_retries := input.parameters.max_retries if input.parameters.max_retries

server_error if {
	input.status == "FAILED"
	startswith(input.response_code, "5")
}

decision = {"type": "RETRY", "delay": "1s", "reason": sprintf("response code %s", [input.response_code])} if {
	server_error
	input.retry_count < max_retries
}

decision = {"type": "NEXT", "next_node_id": input.parameters.fallback, "reason": "retries exhausted"} if {
	server_error
	input.retry_count >= max_retries
	input.parameters.fallback
}
`,
	}
}

// interveneInProductionPolicy asks for manual intervention on production failures.
func interveneInProductionPolicy() Policy {
	return Policy{
		Name:        "intervene-in-production",
		Description: "Requests manual intervention for failures when setup abstraction environment is production",
		Enabled:     true,
		Tags:        []string{"intervention"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package orchestra.routing.intervene_in_production

import rego.v1

decision := {"type": "INTERVENTION", "timeout": "1h", "timeout_action": "MARK_FAILED"} if {
	input.status in {"FAILED", "EXPIRED"}
	input.setup_abstractions.environment == "production"
}
`,
	}
}
