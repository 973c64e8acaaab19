// Package logx is chanpost's structured logging on top of zerolog.
//
// Console output is human-readable with a short caller, the file sink writes
// JSON, and an optional Telegram sink forwards warn+ records to an operator
// chat under a rate limit.
package logx
