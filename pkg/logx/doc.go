// Package logx wraps zerolog for rifsched.
//
// Console output is human readable and goes to stderr. The optional file
// sink writes JSON and is rotated by lumberjack. Level and sinks can be
// changed at runtime with Service.Apply.
package logx
