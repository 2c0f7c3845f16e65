// Package registry enumerates the artifact types that participate in
// initiative-scoped version control.
package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Type string

const (
	Application      Type = "application"
	Interface        Type = "interface"
	BusinessProcess  Type = "business_process"
	TechnicalProcess Type = "technical_process"
	InternalActivity Type = "internal_activity"
)

var ErrUnknownType = errors.New("unknown artifact type")

var types = []Type{Application, Interface, BusinessProcess, TechnicalProcess, InternalActivity}

// Types returns the supported artifact types in a stable order.
func Types() []Type {
	out := make([]Type, len(types))
	copy(out, types)
	return out
}

// ParseType validates s against the supported types.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	for _, t := range types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

func (t Type) Valid() bool {
	_, err := ParseType(string(t))
	return err == nil
}

// Ref identifies one artifact. Identity never changes across versions.
type Ref struct {
	Type Type  `json:"artifact_type"`
	ID   int64 `json:"artifact_id"`
}

func (r Ref) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, string(r.Type))
	}
	if r.ID <= 0 {
		return fmt.Errorf("artifact_id must be positive, got %d", r.ID)
	}
	return nil
}

func (r Ref) String() string {
	return string(r.Type) + "#" + strconv.FormatInt(r.ID, 10)
}

// ParseRef parses the "type#id" form produced by Ref.String.
func ParseRef(s string) (Ref, error) {
	typ, id, ok := strings.Cut(s, "#")
	if !ok {
		return Ref{}, fmt.Errorf("invalid artifact ref %q; want type#id", s)
	}
	t, err := ParseType(typ)
	if err != nil {
		return Ref{}, err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid artifact id %q: %w", id, err)
	}
	r := Ref{Type: t, ID: n}
	return r, r.Validate()
}
