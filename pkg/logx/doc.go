// Package logx is homepi's logging layer on top of zerolog.
//
// Components hold a Logger tagged with a "comp" field. Console output is
// human-readable, the optional file sink keeps JSON lines, and warnings can
// be copied to the household chat through a rate-limited Forwarder.
package logx
