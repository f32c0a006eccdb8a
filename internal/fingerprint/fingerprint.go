// Package fingerprint derives the cache key of a task from its handler, its
// parameters and the result ids of its dependencies.
//
// Every field is framed as a tag byte with the high bit set followed by an
// 8-byte big-endian length and the raw bytes. Tags never collide with length
// bytes of a well-formed stream, so no two distinct field sequences hash the
// same input.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/maxkimambo/chainbuild/internal/workflow"
)

const (
	tagHandler        byte = 0x81
	tagParameterName  byte = 0x82
	tagParameterValue byte = 0x83
	tagDependency     byte = 0x84
)

// Builder accumulates framed fields. The zero value is not usable; call NewBuilder.
type Builder struct {
	h hash.Hash
}

func NewBuilder() *Builder {
	return &Builder{h: sha256.New()}
}

func (b *Builder) write(tag byte, value string) {
	var header [9]byte
	header[0] = tag
	binary.BigEndian.PutUint64(header[1:], uint64(len(value)))
	b.h.Write(header[:])
	b.h.Write([]byte(value))
}

func (b *Builder) Handler(key string) *Builder {
	b.write(tagHandler, key)
	return b
}

func (b *Builder) Parameter(name, value string) *Builder {
	b.write(tagParameterName, name)
	b.write(tagParameterValue, value)
	return b
}

func (b *Builder) Dependency(resultID string) *Builder {
	b.write(tagDependency, resultID)
	return b
}

// Sum returns the lowercase hex digest, 64 characters long.
func (b *Builder) Sum() string {
	return hex.EncodeToString(b.h.Sum(nil))
}

// Compute fingerprints task given the results of its dependencies in
// dependency-declaration order. It performs no I/O.
func Compute(task workflow.Task, deps []workflow.Result) string {
	b := NewBuilder().Handler(task.Handler)
	for _, p := range task.Parameters {
		b.Parameter(p.Name, p.Value)
	}
	for _, r := range deps {
		b.Dependency(r.ID)
	}
	return b.Sum()
}
