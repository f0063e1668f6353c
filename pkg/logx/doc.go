// Package logx is weeknotify's structured logging layer on top of zerolog.
//
// Console output is human readable with a short caller. Without a console,
// records are JSON lines on stdout so journald and log shippers can parse them.
// An optional file sink always receives JSON. An optional Telegram sink
// mirrors warnings and errors into a chat, rate limited and never blocking.
package logx
