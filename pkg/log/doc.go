/*
Package log provides the structured logger shared by the odyn supervisor
and the enclaver runner, wrapping zerolog with a process-wide Logger,
level-from-verbosity-count mapping, and component-tagged child loggers
(WithComponent, WithEnclaveID).

Both binaries call Init from their cobra OnInitialize hook once flags are
parsed, selecting console or JSON output and a level derived from
-v/--verbose repetition via VerbosityToLevel.
*/
package log
