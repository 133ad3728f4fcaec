package bytegpt

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ByteVocab is the number of reserved single-byte token ids. Ids 0..255 map
// to raw bytes; every merge introduces an id above that, assigned
// sequentially in creation order.
const ByteVocab = 256

// ErrUnknownToken is returned by Decode when an id resolves to neither a
// vocabulary entry nor a special token.
var ErrUnknownToken = errors.New("unknown token id")

// MergeRule is one learned BPE merge: adjacent tokens (Left, Right) collapse
// into a single new token. The new token's id is ByteVocab plus the rule's
// index in the merge list, so the list order is the creation-rank order and
// the only training state the codec needs.
type MergeRule struct {
	Left, Right int32
}

// Tokenizer is a byte-level BPE codec. The zero value is not usable; build
// one with TrainTokenizer, LoadMerges or LoadVocab.
type Tokenizer struct {
	merges    []MergeRule
	vocab     [][]byte // id -> literal bytes, len = ByteVocab + len(merges)
	specials  []string // literal markers, id = len(vocab) + index
	specialID map[string]int32
}

func newByteTokenizer() *Tokenizer {
	t := &Tokenizer{
		vocab:     make([][]byte, ByteVocab, ByteVocab*2),
		specialID: map[string]int32{},
	}
	for i := range t.vocab {
		t.vocab[i] = []byte{byte(i)}
	}
	return t
}

// TrainTokenizer learns vocabSize-256 merge rules from text. Each round
// counts every adjacent pair of current token ids, merges the most frequent
// pair and records the rule; ties break toward the numerically smallest
// (left, right) pair, so training is deterministic for identical input.
//
// Training stops early when no pair occurs more than once; the returned
// tokenizer then holds fewer merges than requested (NumMerges reports how
// many) and a log line records the shortfall. vocabSize must exceed 256.
func TrainTokenizer(text string, vocabSize int) (*Tokenizer, error) {
	if vocabSize <= ByteVocab {
		return nil, fmt.Errorf("%w: vocab size %d must be > %d", ErrInvalidConfig, vocabSize, ByteVocab)
	}
	t := newByteTokenizer()
	raw := []byte(text)
	ids := make([]int32, len(raw))
	for i, b := range raw {
		ids[i] = int32(b)
	}
	numMerges := vocabSize - ByteVocab
	for m := 0; m < numMerges; m++ {
		counts := make(map[MergeRule]int)
		for i := 0; i+1 < len(ids); i++ {
			counts[MergeRule{ids[i], ids[i+1]}]++
		}
		best, bestCount := MergeRule{}, 0
		for p, c := range counts {
			if c > bestCount || (c == bestCount && (p.Left < best.Left || (p.Left == best.Left && p.Right < best.Right))) {
				best, bestCount = p, c
			}
		}
		if bestCount < 2 {
			fmt.Printf("tokenizer: stopped after %d/%d merges, no pair repeats\n", m, numMerges)
			break
		}
		newID := int32(len(t.vocab))
		t.vocab = append(t.vocab, concat(t.vocab[best.Left], t.vocab[best.Right]))
		t.merges = append(t.merges, best)
		ids = mergePair(ids, best, newID)
	}
	return t, nil
}

// AddSpecials appends special tokens above the trained vocabulary. Their ids
// are allocated in argument order and are never produced or consumed by
// merges; Encode matches them as literal substrings before byte
// decomposition. Adding a name twice is a no-op.
func (t *Tokenizer) AddSpecials(names ...string) {
	for _, name := range names {
		if _, ok := t.specialID[name]; ok {
			continue
		}
		t.specialID[name] = int32(len(t.vocab) + len(t.specials))
		t.specials = append(t.specials, name)
	}
}

// SpecialID returns the id assigned to a special token marker.
func (t *Tokenizer) SpecialID(name string) (int32, bool) {
	id, ok := t.specialID[name]
	return id, ok
}

// VocabSize is the total id space: bytes + merges + specials.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) + len(t.specials) }

// Specials returns the special token markers in id order.
func (t *Tokenizer) Specials() []string { return t.specials }

// NumMerges is the number of learned merge rules.
func (t *Tokenizer) NumMerges() int { return len(t.merges) }

// Merges returns the learned rules in creation-rank order.
func (t *Tokenizer) Merges() []MergeRule { return t.merges }

// TokenBytes resolves an id to the literal bytes it stands for.
func (t *Tokenizer) TokenBytes(id int32) ([]byte, bool) {
	if id < 0 {
		return nil, false
	}
	if int(id) < len(t.vocab) {
		return t.vocab[id], true
	}
	if i := int(id) - len(t.vocab); i < len(t.specials) {
		return []byte(t.specials[i]), true
	}
	return nil, false
}

// Encode maps text to token ids: special-token literals are cut out of the
// raw text first, the remaining spans are decomposed into bytes, and every
// merge rule is applied in creation-rank order.
func (t *Tokenizer) Encode(text string) []int32 {
	if len(t.specials) == 0 {
		return t.encodeSpan(text)
	}
	var out []int32
	for len(text) > 0 {
		// earliest special occurrence wins; longer marker wins at the
		// same offset so overlapping names stay unambiguous
		cut, name := len(text), ""
		for _, s := range t.specials {
			if i := strings.Index(text, s); i >= 0 && (i < cut || (i == cut && len(s) > len(name))) {
				cut, name = i, s
			}
		}
		if name == "" {
			out = append(out, t.encodeSpan(text)...)
			break
		}
		out = append(out, t.encodeSpan(text[:cut])...)
		out = append(out, t.specialID[name])
		text = text[cut+len(name):]
	}
	return out
}

func (t *Tokenizer) encodeSpan(text string) []int32 {
	if len(text) == 0 {
		return nil
	}
	raw := []byte(text)
	ids := make([]int32, len(raw))
	for i, b := range raw {
		ids[i] = int32(b)
	}
	for rank, rule := range t.merges {
		ids = mergePair(ids, rule, int32(ByteVocab+rank))
	}
	return ids
}

// Decode resolves each id to its bytes and reassembles the text. An id
// outside the vocabulary and special set fails with ErrUnknownToken rather
// than dropping content.
func (t *Tokenizer) Decode(ids []int32) (string, error) {
	var buf []byte
	for _, id := range ids {
		b, ok := t.TokenBytes(id)
		if !ok {
			return "", fmt.Errorf("%w: %d (vocab %d)", ErrUnknownToken, id, t.VocabSize())
		}
		buf = append(buf, b...)
	}
	return string(buf), nil
}

// mergePair replaces every non-overlapping (left, right) occurrence with
// newID, scanning left to right. Returns the input slice untouched when the
// pair never occurs.
func mergePair(ids []int32, rule MergeRule, newID int32) []int32 {
	found := false
	for i := 0; i+1 < len(ids); i++ {
		if ids[i] == rule.Left && ids[i+1] == rule.Right {
			found = true
			break
		}
	}
	if !found {
		return ids
	}
	out := make([]int32, 0, len(ids))
	for i := 0; i < len(ids); {
		if i+1 < len(ids) && ids[i] == rule.Left && ids[i+1] == rule.Right {
			out = append(out, newID)
			i += 2
		} else {
			out = append(out, ids[i])
			i++
		}
	}
	return out
}

func concat(a, b []byte) []byte {
	c := make([]byte, 0, len(a)+len(b))
	return append(append(c, a...), b...)
}

const (
	mergesHeader = "# bytegpt merges v1"
	vocabMagic   = 20240612
)

// SaveMerges writes the ordered merge rules as one "left right" pair per
// line. The full vocabulary is reconstructible from this file alone.
func (t *Tokenizer) SaveMerges(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, mergesHeader)
	for _, m := range t.merges {
		fmt.Fprintf(w, "%d %d\n", m.Left, m.Right)
	}
	return w.Flush()
}

// LoadMerges reads a merge-rules file and rebuilds the vocabulary by
// replaying the merges over the 256 byte tokens.
func LoadMerges(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t := newByteTokenizer()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var m MergeRule
		if _, err := fmt.Sscanf(line, "%d %d", &m.Left, &m.Right); err != nil {
			return nil, fmt.Errorf("bad merge line %q: %w", line, err)
		}
		if m.Left < 0 || m.Right < 0 || int(m.Left) >= len(t.vocab) || int(m.Right) >= len(t.vocab) {
			return nil, fmt.Errorf("merge (%d, %d) references id outside vocabulary", m.Left, m.Right)
		}
		t.vocab = append(t.vocab, concat(t.vocab[m.Left], t.vocab[m.Right]))
		t.merges = append(t.merges, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// SaveVocab writes the id -> bytes table, specials included, as a binary
// blob: a 256-word header (magic, version, vocab entries, special entries)
// followed by length-prefixed byte strings.
func (t *Tokenizer) SaveVocab(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	header := make([]uint32, 256)
	header[0] = vocabMagic
	header[1] = 1
	header[2] = uint32(len(t.vocab))
	header[3] = uint32(len(t.specials))
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	writeEntry := func(b []byte) error {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
			return err
		}
		_, err := w.Write(b)
		return err
	}
	for _, b := range t.vocab {
		if err := writeEntry(b); err != nil {
			return err
		}
	}
	for _, s := range t.specials {
		if err := writeEntry([]byte(s)); err != nil {
			return err
		}
	}
	return w.Flush()
}

// LoadVocab reads a vocabulary file. The result decodes any id the file
// covers; it carries no merge rules, so Encode degrades to raw bytes.
func LoadVocab(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	header := make([]uint32, 256)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[0] != vocabMagic || header[1] != 1 {
		return nil, errors.New("incorrect header for vocabulary file")
	}
	if header[2] < ByteVocab {
		return nil, errors.New("vocabulary file smaller than the byte id range")
	}
	readEntry := func() ([]byte, error) {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	t := &Tokenizer{
		vocab:     make([][]byte, 0, header[2]),
		specialID: map[string]int32{},
	}
	for i := uint32(0); i < header[2]; i++ {
		b, err := readEntry()
		if err != nil {
			return nil, err
		}
		t.vocab = append(t.vocab, b)
	}
	names := make([]string, 0, header[3])
	for i := uint32(0); i < header[3]; i++ {
		b, err := readEntry()
		if err != nil {
			return nil, err
		}
		names = append(names, string(b))
	}
	t.AddSpecials(names...)
	return t, nil
}
