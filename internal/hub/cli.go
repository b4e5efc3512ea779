package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const defaultKojiCommand = "koji"

// CLISession implements Session by shelling out to the koji command line
// client, which owns transport and authentication for the configured profile.
type CLISession struct {
	command string
	profile string
}

// NewCLISession creates a session that runs command (default "koji"),
// optionally pinned to a koji profile.
func NewCLISession(command, profile string) *CLISession {
	if command == "" {
		command = defaultKojiCommand
	}
	return &CLISession{
		command: command,
		profile: profile,
	}
}

// ListPackages runs listPackages(tagID=tag)
func (s *CLISession) ListPackages(ctx context.Context, tag string) ([]Package, error) {
	out, err := s.call(ctx, MethodListPackages, kwarg{"tagID", tag})
	if err != nil {
		return nil, err
	}

	var pkgs []Package
	if err := json.Unmarshal(out, &pkgs); err != nil {
		return nil, fmt.Errorf("failed to decode %s output: %w", MethodListPackages, err)
	}
	return pkgs, nil
}

// MultiCall runs multiCall(calls=..., strict=...). An empty batch is not sent.
func (s *CLISession) MultiCall(ctx context.Context, calls []Call, strict bool) error {
	if len(calls) == 0 {
		return nil
	}

	out, err := s.call(ctx, MethodMultiCall, kwarg{"calls", calls}, kwarg{"strict", strict})
	if err != nil {
		return err
	}

	var results []json.RawMessage
	if err := json.Unmarshal(out, &results); err != nil {
		return fmt.Errorf("failed to decode %s output: %w", MethodMultiCall, err)
	}

	var faults []error
	for i, raw := range results {
		var fault struct {
			Code   *int   `json:"faultCode"`
			Reason string `json:"faultString"`
		}
		// successful entries are one-element lists and do not decode into the struct
		if json.Unmarshal(raw, &fault) != nil || fault.Code == nil {
			continue
		}
		fe := &FaultError{Code: *fault.Code, Reason: fault.Reason}
		if i < len(calls) {
			fe.Call = calls[i]
		}
		faults = append(faults, fe)
	}
	return errors.Join(faults...)
}

type kwarg struct {
	key   string
	value any
}

// call invokes a hub method through "koji call" with JSON-encoded keyword
// arguments and returns the JSON-encoded result.
func (s *CLISession) call(ctx context.Context, method string, kwargs ...kwarg) ([]byte, error) {
	args := make([]string, 0, len(kwargs)+6)
	if s.profile != "" {
		args = append(args, "--profile", s.profile)
	}
	args = append(args, "call", "--json-input", "--json-output", method)
	for _, kw := range kwargs {
		encoded, err := json.Marshal(kw.value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s argument %s: %w", method, kw.key, err)
		}
		args = append(args, kw.key+"="+string(encoded))
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s failed: %w: %s", s.command, method, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
