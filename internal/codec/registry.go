// Package codec ranks and prepares codec capabilities for negotiation.
package codec

import (
	"fmt"
	"sort"

	"deskcast/native/internal/domain"
)

// dynamicPayloadTypeStart is the first payload type assigned to registered
// codecs. The range 96-127 is reserved for dynamic assignment.
const dynamicPayloadTypeStart = 96

// h264ProfileRank orders H.264 profile_idc values from most to least
// preferred: High (64) > Main (4D) > Baseline (42). Unknown or absent
// profiles sort last.
var h264ProfileRank = map[string]int{
	"64": 0,
	"4d": 1,
	"42": 2,
}

const h264ProfileUnknownRank = 3

// Registry holds the codecs advertised by the registered encoder and decoder
// builders. It has no mutable state after construction; ranking is a pure
// function of the registered codecs.
type Registry struct {
	codecs []domain.Codec
}

// NewRegistry creates a registry from the advertised codec lists, preserving
// registration order.
func NewRegistry(codecs ...[]domain.Codec) *Registry {
	r := &Registry{}
	for _, list := range codecs {
		r.codecs = append(r.codecs, list...)
	}
	return r
}

// Codecs returns all registered codecs in registration order.
func (r *Registry) Codecs() []domain.Codec {
	out := make([]domain.Codec, len(r.codecs))
	copy(out, r.codecs)
	return out
}

// RankedCodecs returns the registered codecs of the given media kind ordered
// by negotiation preference. H.264 variants are ordered by profile tier;
// ties keep registration order (stable sort).
func (r *Registry) RankedCodecs(kind domain.MediaKind) []domain.Codec {
	var ranked []domain.Codec
	for _, c := range r.codecs {
		if c.Kind() == kind {
			ranked = append(ranked, c)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return profileRank(ranked[i]) < profileRank(ranked[j])
	})

	return ranked
}

// AssignPayloadTypes returns the ranked codecs of the given kind with payload
// types assigned from the dynamic range, continuing from the given start.
// It fails when the dynamic range is exhausted.
func (r *Registry) AssignPayloadTypes(kind domain.MediaKind, start uint8) ([]domain.Codec, uint8, error) {
	if start == 0 {
		start = dynamicPayloadTypeStart
	}

	ranked := r.RankedCodecs(kind)
	next := start
	for i := range ranked {
		if next < dynamicPayloadTypeStart || next > 127 {
			return nil, next, fmt.Errorf("dynamic payload type range exhausted at %d", next)
		}
		ranked[i].PayloadType = next
		next++
	}
	return ranked, next, nil
}

func profileRank(c domain.Codec) int {
	if !c.IsH264() {
		return 0
	}
	if rank, ok := h264ProfileRank[c.H264Profile()]; ok {
		return rank
	}
	return h264ProfileUnknownRank
}
