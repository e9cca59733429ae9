// Package main implements a mock agent binary that speaks the stream-json
// protocol over stdin/stdout. It generates scripted responses for rapid
// feature testing and protocol-level e2e tests.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

// sessionID identifies this mock-agent process. Each session spawns its own
// process, so the PID keeps parallel sessions distinct.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	var (
		flagModel  = flag.String("model", "mock-default", "model name to report")
		flagScript = flag.String("script", "", "YAML script of frames to replay per turn")
	)
	// The server appends protocol flags and a positional prompt; tolerate
	// anything we do not recognise.
	flag.CommandLine.SetOutput(os.Stderr)
	_ = flag.CommandLine.Parse(filterKnownArgs(os.Args[1:]))

	var script *Script
	if *flagScript != "" {
		loaded, err := LoadScript(*flagScript)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: failed to load script: %v\n", err)
			os.Exit(1)
		}
		script = loaded
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg IncomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case TypeControlRequest:
			handleControlRequest(enc, msg)
		case TypeUser:
			if msg.Message != nil {
				handleUserPrompt(enc, scanner, msg.Message.Text(), *flagModel, script)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// filterKnownArgs keeps only the flags this binary understands so the
// server's protocol flags do not trip the flag parser.
func filterKnownArgs(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--model" || arg == "--script":
			if i+1 < len(args) {
				out = append(out, arg, args[i+1])
				i++
			}
		case hasPrefix(arg, "--model=") || hasPrefix(arg, "--script="):
			out = append(out, arg)
		}
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// handleControlRequest answers server-originated control requests:
// set_permission_mode, interrupt and initialize succeed, everything else
// errors.
func handleControlRequest(enc *json.Encoder, msg IncomingMessage) {
	if msg.RequestID == "" {
		return
	}
	body := ControlResponseBody{Subtype: "success", RequestID: msg.RequestID}
	if msg.Request != nil {
		switch msg.Request.Subtype {
		case "set_permission_mode", "interrupt", "initialize":
		default:
			body.Subtype = "error"
			body.Error = "unsupported subtype: " + msg.Request.Subtype
		}
	}
	_ = enc.Encode(ControlResponseMsg{Type: TypeControlResponse, Response: body})
}
