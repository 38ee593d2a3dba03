// Package execshell runs the git executable for the housekeeping tasks that
// go-git does not implement, with structured logging around every invocation.
package execshell
