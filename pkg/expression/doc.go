// Package expression renders <+...> references in node parameters.
//
// The body of a reference is a Starlark expression:
//
//	<+setup.account>            setup abstraction
//	<+execution.id>             plan execution id
//	<+input.image>              resolved ref object
//	<+build.image>              latest "image" output of the node identified as build
//	<+artifact.tag>             field "tag" of the output "artifact" visible from here
//	<+"v" + str(build.version)> any Starlark expression over the above
//
// A reference that cannot be resolved is an OUTPUT_NOT_FOUND error. A '>'
// comparison inside a reference must be parenthesised.
package expression
