// Package logx is wagate's structured logging on top of zerolog.
//
// Console output is human readable with a short caller; stdout JSON and the
// optional log file carry one record per line. Recipient numbers go through
// Phone so full numbers never reach disk.
package logx
