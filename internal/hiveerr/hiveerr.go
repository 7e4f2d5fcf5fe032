// Package hiveerr defines the error taxonomy shared by every Hive component,
// per the propagation policy of spec §7.
package hiveerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error without binding it to a concrete Go type,
// matching the "by kind, not type" policy of spec §7.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindAlreadyExists        Kind = "already_exists"
	KindCommandExecution     Kind = "command_execution"
	KindTemplateSetup        Kind = "template_setup"
	KindModelOverrideInvalid Kind = "model_override_invalid"
	KindCredentialMissing    Kind = "credential_missing"
	KindStore                Kind = "store"
)

// Error is the common envelope for every classified Hive error.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// CommandExecution / TemplateSetup metadata.
	Command     string
	Cwd         string
	ExitCode    int
	TemplateID  string
	WorkspaceID string

	// CredentialMissing metadata.
	ProviderID string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target shares this error's Kind, enabling
// errors.Is(err, hiveerr.Sentinel(hiveerr.KindNotFound)) style checks.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func AlreadyExists(what string) error {
	return &Error{Kind: KindAlreadyExists, Message: what + " already exists"}
}

func CommandExecution(command, cwd string, exitCode int) error {
	return &Error{
		Kind:     KindCommandExecution,
		Message:  fmt.Sprintf("command %q exited with code %d", command, exitCode),
		Command:  command,
		Cwd:      cwd,
		ExitCode: exitCode,
	}
}

func TemplateSetup(command, templateID, workspacePath string, exitCode int, cause error) error {
	return &Error{
		Kind:        KindTemplateSetup,
		Message:     fmt.Sprintf("template %q setup command %q failed (exit %d)", templateID, command, exitCode),
		Command:     command,
		TemplateID:  templateID,
		WorkspaceID: workspacePath,
		ExitCode:    exitCode,
		Err:         cause,
	}
}

// AsTemplateSetup extracts *Error if err is (or wraps) a TemplateSetup error.
func AsTemplateSetup(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindTemplateSetup {
		return e, true
	}
	return nil, false
}

func ModelOverrideInvalid(message string) error {
	return &Error{Kind: KindModelOverrideInvalid, Message: message}
}

func CredentialMissing(providerID string) error {
	return &Error{
		Kind:       KindCredentialMissing,
		Message:    fmt.Sprintf("Missing authentication for %s. Run opencode auth login %s.", providerID, providerID),
		ProviderID: providerID,
	}
}

func Store(op string, cause error) error {
	return &Error{Kind: KindStore, Message: op, Err: cause}
}

// Sentinel returns a zero-value *Error of kind k, usable as the target of
// errors.Is, e.g. errors.Is(err, hiveerr.Sentinel(hiveerr.KindNotFound)).
func Sentinel(k Kind) error { return &Error{Kind: k} }

func OfKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
