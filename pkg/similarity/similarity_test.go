package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScorer_ExactMatch(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.ExactMatch("hello", "hello"))
	assert.Equal(t, 0.0, s.ExactMatch("hello", "world"))
	assert.Equal(t, 1.0, s.ExactMatch("", ""))
}

func TestScorer_Ngram(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		name string
		a    string
		b    string
		n    int
		want func(t *testing.T, got float64)
	}{
		{
			name: "identical strings",
			a:    "jonathan",
			b:    "jonathan",
			n:    3,
			want: func(t *testing.T, got float64) { assert.Equal(t, 1.0, got) },
		},
		{
			name: "both empty",
			a:    "",
			b:    "",
			n:    3,
			want: func(t *testing.T, got float64) { assert.Equal(t, 0.0, got) },
		},
		{
			name: "one empty",
			a:    "jonathan",
			b:    "",
			n:    3,
			want: func(t *testing.T, got float64) { assert.Equal(t, 0.0, got) },
		},
		{
			name: "disjoint",
			a:    "abc",
			b:    "xyz",
			n:    3,
			want: func(t *testing.T, got float64) { assert.Equal(t, 0.0, got) },
		},
		{
			name: "typo overlaps heavily",
			a:    "jonathan",
			b:    "johnathan",
			n:    3,
			want: func(t *testing.T, got float64) {
				assert.Greater(t, got, 0.3)
				assert.Less(t, got, 1.0)
			},
		},
		{
			name: "short strings fall back to whole-string grams",
			a:    "ab",
			b:    "ab",
			n:    3,
			want: func(t *testing.T, got float64) { assert.Equal(t, 1.0, got) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want(t, s.Ngram(tt.a, tt.b, tt.n))
		})
	}
}

func TestScorer_NgramSymmetry(t *testing.T) {
	s := NewScorer()

	pairs := [][2]string{
		{"jonathan", "johnathan"},
		{"smith", "smyth"},
		{"acme corporation", "acme corp"},
	}
	for _, p := range pairs {
		assert.InDelta(t, s.Ngram(p[0], p[1], 3), s.Ngram(p[1], p[0], 3), 1e-9)
	}
}

func TestScorer_JaroWinkler(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		name string
		a    string
		b    string
		min  float64
		max  float64
	}{
		{"identical", "martha", "martha", 1.0, 1.0},
		{"close names", "martha", "marhta", 0.9, 1.0},
		{"shared prefix boosted", "dwayne", "duane", 0.8, 1.0},
		{"different", "hello", "world", 0.0, 0.6},
		{"empty vs value", "", "hello", 0.0, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.JaroWinkler(tt.a, tt.b)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestScorer_Levenshtein(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 0, s.LevenshteinDistance("kitten", "kitten"))
	assert.Equal(t, 3, s.LevenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 5, s.LevenshteinDistance("", "hello"))

	assert.Equal(t, 1.0, s.Levenshtein("kitten", "kitten"))
	assert.InDelta(t, 1.0-3.0/7.0, s.Levenshtein("kitten", "sitting"), 1e-9)
	assert.Equal(t, 0.0, s.Levenshtein("", ""))
}

func TestScorer_Soundex(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		in   string
		want string
	}{
		{"Robert", "R163"},
		{"Rupert", "R163"},
		{"Smith", "S530"},
		{"Smyth", "S530"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Soundex(tt.in), "soundex of %q", tt.in)
	}
}

func TestScorer_PhoneticMatch(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.PhoneticMatch("Smith", "Smyth", EncoderSoundex))
	assert.Equal(t, 0.0, s.PhoneticMatch("Smith", "Jones", EncoderSoundex))
	assert.Equal(t, 1.0, s.PhoneticMatch("Philip", "Filip", EncoderMetaphone))
	assert.Equal(t, 0.0, s.PhoneticMatch("", "Smith", EncoderSoundex))
}

func TestScorer_Metaphone(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, s.Metaphone("Philip"), s.Metaphone("Filip"))
	assert.NotEqual(t, s.Metaphone("Smith"), s.Metaphone("Jones"))
	assert.Equal(t, "", s.Metaphone("123"))
}
