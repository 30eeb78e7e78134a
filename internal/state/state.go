// Package state persists the recorded resources of a deployment.
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/stowrs-to-s3/stowrs-infra/internal/eval"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// DefaultPath is where the local backend keeps state, relative to the
// project directory.
const DefaultPath = ".stowrs/state.pkl"

// Version is the state format written by this package.
const Version = 1

// Manager reads and writes state in a local file.
type Manager struct {
	path      string
	evaluator *eval.Evaluator
}

func NewManager(path string, evaluator *eval.Evaluator) *Manager {
	return &Manager{
		path:      path,
		evaluator: evaluator,
	}
}

// Path returns the state file location.
func (m *Manager) Path() string {
	return m.path
}

// NewState returns an empty state with a fresh lineage.
func NewState() *ir.State {
	return &ir.State{
		Version: Version,
		Lineage: uuid.NewString(),
	}
}

// Read loads the state from the configured path. A missing file is an empty
// state. An encrypted file is decrypted before evaluation.
func (m *Manager) Read(ctx context.Context) (*ir.State, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", m.path, err)
	}

	st, err := Parse(ctx, m.evaluator, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", m.path, err)
	}
	return st, nil
}

// Write saves the state to the configured path, bumping its serial. If
// STOWRS_STATE_ENCRYPTION_KEY is set, the file is encrypted.
func (m *Manager) Write(ctx context.Context, st *ir.State) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content, err := Encode(st)
	if err != nil {
		return err
	}

	// Write then rename so a crash never leaves a truncated state behind.
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}
	return nil
}

// Parse decrypts raw if needed and evaluates it as a state module.
func Parse(ctx context.Context, evaluator *eval.Evaluator, raw []byte) (*ir.State, error) {
	content, err := DecryptState(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	st, err := evaluator.LoadStateText(ctx, string(content))
	if err != nil {
		return nil, err
	}
	normalize(st)
	return st, nil
}

// Encode bumps the serial, assigns a lineage to a new state, and returns the
// serialized and possibly encrypted content.
func Encode(st *ir.State) ([]byte, error) {
	if st.Lineage == "" {
		st.Lineage = uuid.NewString()
	}
	if st.Version == 0 {
		st.Version = Version
	}
	st.Serial++

	encrypted, err := EncryptState([]byte(SerializeState(st)))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return encrypted, nil
}

// stateHeader declares the state schema inline so a state file evaluates
// without any other module.
const stateHeader = `// stowrs state file. Generated, do not edit.

class ResourceState {
  type: String
  name: String
  provider: String
  inputs: Mapping<String, Any>
  inputsHash: String
  outputs: Mapping<String, Any>
  dependencies: Listing<String>
}

`

// SerializeState converts a State to its Pkl text representation. Keys are
// written in sorted order so equal states serialize identically.
func SerializeState(st *ir.State) string {
	var b strings.Builder

	b.WriteString(stateHeader)
	fmt.Fprintf(&b, "version: Int = %d\n", st.Version)
	fmt.Fprintf(&b, "serial: Int = %d\n", st.Serial)
	fmt.Fprintf(&b, "lineage: String = %s\n\n", pklString(st.Lineage))

	b.WriteString("outputs: Mapping<String, Any> = ")
	b.WriteString(pklMapping(st.Outputs, 0, false))
	b.WriteString("\n\n")

	b.WriteString("resources: Listing<ResourceState> = new {\n")
	for _, res := range st.Resources {
		b.WriteString("  new {\n")
		fmt.Fprintf(&b, "    type = %s\n", pklString(res.Type))
		fmt.Fprintf(&b, "    name = %s\n", pklString(res.Name))
		fmt.Fprintf(&b, "    provider = %s\n", pklString(res.Provider))
		fmt.Fprintf(&b, "    inputs = %s\n", pklMapping(res.Inputs, 2, false))
		fmt.Fprintf(&b, "    inputsHash = %s\n", pklString(res.InputsHash))
		fmt.Fprintf(&b, "    outputs = %s\n", pklMapping(res.Outputs, 2, false))
		deps := make([]any, 0, len(res.Dependencies))
		for _, d := range res.Dependencies {
			deps = append(deps, d)
		}
		fmt.Fprintf(&b, "    dependencies = %s\n", pklListing(deps, 2, false))
		b.WriteString("  }\n")
	}
	b.WriteString("}\n")

	return b.String()
}

// pklValue serializes a Go value as a Pkl expression. Nested objects carry
// their class so they decode as maps and slices under Any.
func pklValue(v any, indent int) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return pklString(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any:
		return pklMapping(val, indent, true)
	case map[any]any:
		return pklMapping(stringKeys(val), indent, true)
	case []any:
		return pklListing(val, indent, true)
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return pklListing(items, indent, true)
	default:
		return pklString(fmt.Sprintf("%v", val))
	}
}

func pklMapping(m map[string]any, indent int, typed bool) string {
	open := "new {"
	if typed {
		open = "new Mapping {"
	}
	if len(m) == 0 {
		return open + "}"
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pad := strings.Repeat("  ", indent)
	var b strings.Builder
	b.WriteString(open + "\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s  [%s] = %s\n", pad, pklString(k), pklValue(m[k], indent+1))
	}
	b.WriteString(pad + "}")
	return b.String()
}

func pklListing(items []any, indent int, typed bool) string {
	open := "new {"
	if typed {
		open = "new Listing {"
	}
	if len(items) == 0 {
		return open + "}"
	}

	pad := strings.Repeat("  ", indent)
	var b strings.Builder
	b.WriteString(open + "\n")
	for _, v := range items {
		fmt.Fprintf(&b, "%s  %s\n", pad, pklValue(v, indent+1))
	}
	b.WriteString(pad + "}")
	return b.String()
}

// pklString quotes s as a Pkl string literal. Pkl treats "\(" as
// interpolation and spells unicode escapes \u{...}, so Go quoting does not
// apply.
func pklString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case utf8.RuneError:
			b.WriteString(`\u{FFFD}`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u{%X}`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// normalize converts the maps Pkl decodes under Any into string-keyed maps,
// the shape the engine and providers expect.
func normalize(st *ir.State) {
	st.Outputs = normalizeMap(st.Outputs)
	for _, res := range st.Resources {
		res.Inputs = normalizeMap(res.Inputs)
		res.Outputs = normalizeMap(res.Outputs)
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeAny(v)
	}
	return out
}

func normalizeAny(v any) any {
	switch val := v.(type) {
	case map[any]any:
		return normalizeMap(stringKeys(val))
	case map[string]any:
		return normalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeAny(item)
		}
		return out
	default:
		return v
	}
}

func stringKeys(m map[any]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[fmt.Sprintf("%v", k)] = v
	}
	return out
}
