// Package taskrunner provides Local, an in-process implementation of the
// engine's task runner contract.
//
// Each submitted task runs in its own goroutine under a timeout. When it
// finishes, its result is delivered to the bound engine.TaskCallback, with
// transient callback failures retried. Built-in task types:
//
//	echo   return a value, optionally failing
//	sleep  wait for a duration, then return a value
//	exec   run a command and capture its output
//	http   perform an HTTP request; the status code is the response code
//
// Remote hosts are reached over SSH:
//
//	ssh          run a command in a session; the exit status is the response code
//	sftp_upload  write a file over SFTP
package taskrunner
