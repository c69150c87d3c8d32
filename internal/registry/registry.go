// Package registry holds the closed, versioned set of event types: for each
// type its payload schema, permitted emitter classes and evidence policy.
package registry

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"example.com/backstage/services/assetledger/internal/canonical"
	"example.com/backstage/services/assetledger/internal/domain"
)

//go:embed registry.yaml schemas/*.json
var embedded embed.FS

// SupportedVersions is the registry format range this build understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

const schemaBaseURL = "https://assetledger.schemas.local/events/"

type fileEntry struct {
	Type          string   `yaml:"type"`
	Schema        string   `yaml:"schema"`
	SchemaVersion string   `yaml:"schema_version"`
	Emitters      []string `yaml:"emitters"`
	Evidence      string   `yaml:"evidence"`
	WaiverAllowed bool     `yaml:"waiver_allowed"`
}

type file struct {
	Version string      `yaml:"version"`
	Events  []fileEntry `yaml:"events"`
}

// Definition describes one registered event type.
type Definition struct {
	Type          string
	SchemaVersion *semver.Version
	Evidence      domain.EvidencePolicy
	WaiverAllowed bool

	emitters map[domain.EmitterClass]bool
	schema   *jsonschema.Schema
}

// Registry is immutable after Load.
type Registry struct {
	version *semver.Version
	defs    map[string]*Definition
}

// Load parses the registry compiled into the binary.
func Load() (*Registry, error) {
	doc, err := embedded.ReadFile("registry.yaml")
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	schemas, err := fs.Sub(embedded, "schemas")
	if err != nil {
		return nil, err
	}
	return Parse(doc, schemas)
}

// Parse builds a registry from a YAML document and a directory of schemas.
func Parse(doc []byte, schemas fs.FS) (*Registry, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	version, err := semver.NewVersion(f.Version)
	if err != nil {
		return nil, fmt.Errorf("registry version %q: %w", f.Version, err)
	}
	supported, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return nil, err
	}
	if !supported.Check(version) {
		return nil, fmt.Errorf("registry version %s not in supported range %s", version, SupportedVersions)
	}

	r := &Registry{version: version, defs: make(map[string]*Definition, len(f.Events))}
	for _, e := range f.Events {
		def, err := compile(e, schemas)
		if err != nil {
			return nil, fmt.Errorf("event type %s: %w", e.Type, err)
		}
		if _, dup := r.defs[def.Type]; dup {
			return nil, fmt.Errorf("event type %s registered twice", def.Type)
		}
		r.defs[def.Type] = def
	}
	if len(r.defs) == 0 {
		return nil, fmt.Errorf("registry declares no event types")
	}
	return r, nil
}

func compile(e fileEntry, schemas fs.FS) (*Definition, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("missing type")
	}
	sv, err := semver.NewVersion(e.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("schema_version: %w", err)
	}
	policy := domain.EvidencePolicy(e.Evidence)
	switch policy {
	case domain.EvidenceRequired, domain.EvidenceInheritLast, domain.EvidenceOptional:
	default:
		return nil, fmt.Errorf("evidence policy %q cannot be a type minimum", e.Evidence)
	}
	if len(e.Emitters) == 0 {
		return nil, fmt.Errorf("no emitter classes")
	}
	emitters := make(map[domain.EmitterClass]bool, len(e.Emitters))
	for _, c := range e.Emitters {
		class := domain.EmitterClass(c)
		if !class.Valid() {
			return nil, fmt.Errorf("unknown emitter class %q", c)
		}
		emitters[class] = true
	}

	raw, err := fs.ReadFile(schemas, e.Schema)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBaseURL + e.Type + "/" + sv.String() + ".json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Definition{
		Type:          e.Type,
		SchemaVersion: sv,
		Evidence:      policy,
		WaiverAllowed: e.WaiverAllowed,
		emitters:      emitters,
		schema:        compiled,
	}, nil
}

// Version is the registry version recorded on every event.
func (r *Registry) Version() string { return r.version.String() }

// Lookup returns the definition for eventType.
func (r *Registry) Lookup(eventType string) (*Definition, error) {
	def, ok := r.defs[eventType]
	if !ok {
		return nil, domain.Errorf(domain.ErrUnknownEventType, "event type %q is not registered", eventType)
	}
	return def, nil
}

// Types lists registered event types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CheckHandlers fails unless the registry and the handler set cover exactly
// the same event types.
func (r *Registry) CheckHandlers(handled []string) error {
	have := make(map[string]bool, len(handled))
	for _, t := range handled {
		have[t] = true
		if _, ok := r.defs[t]; !ok {
			return fmt.Errorf("handler for %s has no registry entry", t)
		}
	}
	for _, t := range r.Types() {
		if !have[t] {
			return fmt.Errorf("registered event type %s has no handler", t)
		}
	}
	return nil
}

// Permits reports whether class may emit this type.
func (d *Definition) Permits(class domain.EmitterClass) bool {
	return d.emitters[class]
}

// Authorize returns FORBIDDEN unless class may emit this type.
func (d *Definition) Authorize(class domain.EmitterClass) error {
	if !d.Permits(class) {
		return domain.Errorf(domain.ErrForbidden, "emitter class %s may not emit %s", class, d.Type)
	}
	return nil
}

// Validate canonicalises the payload and checks it against the type schema,
// returning the canonical bytes on success.
func (d *Definition) Validate(payload []byte) ([]byte, error) {
	out, doc, err := canonical.Payload(payload)
	if err != nil {
		return nil, domain.Wrap(domain.ErrSchemaValidation, err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return nil, domain.Wrap(domain.ErrSchemaValidation, err)
	}
	return out, nil
}

// CheckEvidence applies the type's evidence rule to the submitted block.
// INHERIT_LAST with the sentinel hash passes here; the store resolves it
// against the asset's last evidence.
func (d *Definition) CheckEvidence(ev domain.Evidence, sentinel string) error {
	if !ev.Policy.Valid() {
		return domain.Errorf(domain.ErrEvidencePolicyMismatch, "unknown evidence policy %q", ev.Policy)
	}
	if ev.EvidenceHash != sentinel && !canonical.ValidHash(ev.EvidenceHash) {
		return domain.Errorf(domain.ErrSchemaValidation, "evidence_hash must have the form sha256:<64 hex>")
	}

	switch ev.Policy {
	case domain.EvidenceWaiver:
		if !d.WaiverAllowed && d.Evidence != domain.EvidenceOptional {
			return domain.Errorf(domain.ErrEvidencePolicyMismatch, "%s does not accept a waiver", d.Type)
		}
		if ev.WaiverReason == "" {
			return domain.ErrWaiverReasonMissing
		}
		return nil
	case domain.EvidenceRequired:
		if ev.EvidenceHash == sentinel {
			return domain.Errorf(domain.ErrEvidenceRequired, "%s requires an evidence hash", d.Type)
		}
		return nil
	case domain.EvidenceInheritLast:
		if d.Evidence == domain.EvidenceRequired {
			return domain.Errorf(domain.ErrEvidencePolicyMismatch, "%s requires fresh evidence", d.Type)
		}
		return nil
	case domain.EvidenceOptional:
		if d.Evidence != domain.EvidenceOptional {
			return domain.Errorf(domain.ErrEvidencePolicyMismatch, "%s requires policy %s", d.Type, d.Evidence)
		}
		return nil
	}
	return nil
}
