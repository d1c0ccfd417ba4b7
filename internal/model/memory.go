// Package model defines the core memory data types.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the category of a memory record.
type Kind string

const (
	KindFact    Kind = "fact"
	KindFewShot Kind = "fewshot"
	KindPattern Kind = "pattern"
	KindADRLink Kind = "adr_link"
	KindGotcha  Kind = "gotcha"
	KindRule    Kind = "rule"
	KindLink    Kind = "link"
)

// Kinds lists the allowed kinds in display order.
var Kinds = []Kind{KindFact, KindFewShot, KindPattern, KindADRLink, KindGotcha, KindRule, KindLink}

// ValidKinds are the allowed memory kinds.
var ValidKinds = map[Kind]bool{
	KindFact:    true,
	KindFewShot: true,
	KindPattern: true,
	KindADRLink: true,
	KindGotcha:  true,
	KindRule:    true,
	KindLink:    true,
}

// ParseKind validates s against the kind enumeration.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !ValidKinds[k] {
		return "", fmt.Errorf("kind must be one of: %s", KindList())
	}
	return k, nil
}

// KindList returns the allowed kinds joined with ", ".
func KindList() string {
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// IsFact reports whether records of this kind are bundled as facts.
func (k Kind) IsFact() bool {
	switch k {
	case KindFact, KindPattern, KindGotcha, KindRule:
		return true
	}
	return false
}

// IsLink reports whether records of this kind are bundled as links.
func (k Kind) IsLink() bool {
	return k == KindADRLink || k == KindLink
}

// Project is the namespace that owns memory records.
type Project struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryRecord is a stored unit of memory.
type MemoryRecord struct {
	ID             string             `json:"id"`
	ProjectID      string             `json:"project_id"`
	TaskExternalID string             `json:"task_external_id,omitempty"`
	Kind           Kind               `json:"kind"`
	Content        string             `json:"content"`
	Scope          []string           `json:"scope"`
	Tags           []string           `json:"tags"`
	Owner          string             `json:"owner,omitempty"`
	TTL            *time.Time         `json:"ttl"`
	Quality        map[string]float64 `json:"quality"`
	Meta           map[string]any     `json:"meta"`
	SimHash        *int64             `json:"simhash,omitempty"`
	MinHash        []string           `json:"minhash,omitempty"`
	Embedding      []float32          `json:"-"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Expired reports whether the record's TTL lies before now.
func (r *MemoryRecord) Expired(now time.Time) bool {
	return r.TTL != nil && r.TTL.Before(now)
}

// HasEmbedding reports whether an embedding vector has been stored.
func (r *MemoryRecord) HasEmbedding() bool {
	return len(r.Embedding) > 0
}

// MetaString returns meta[key] as text when the key holds a non-nil value.
// Strings are returned as stored, even when empty; other values are
// rendered as JSON.
func (r *MemoryRecord) MetaString(key string) (string, bool) {
	v, ok := r.Meta[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), true
	}
	return string(b), true
}
