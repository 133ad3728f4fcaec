package bytegpt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const delta = 1e-5

func TestEmbedForward(t *testing.T) {
	type args struct {
		inp []int32
		wte []float32
		wpe []float32
		B   int
		T   int
		C   int
	}
	tests := []struct {
		name    string
		args    args
		wantOut []float32
	}{
		{
			name: "tokenPlusPosition",
			args: args{
				inp: []int32{1, 0},
				wte: []float32{0, 1, 2, 3},
				wpe: []float32{4, 5, 6, 7},
				B:   1,
				T:   2,
				C:   2,
			},
			// position 0: wte[1] + wpe[0], position 1: wte[0] + wpe[1]
			wantOut: []float32{6, 8, 6, 8},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make([]float32, tt.args.B*tt.args.T*tt.args.C)
			embedForward(out, tt.args.inp, tt.args.wte, tt.args.wpe, tt.args.B, tt.args.T, tt.args.C)
			assert.Equal(t, tt.wantOut, out)
		})
	}
}

func TestLayernormForward(t *testing.T) {
	type args struct {
		inp    []float32
		weight []float32
		bias   []float32
		B      int
		T      int
		C      int
	}
	tests := []struct {
		name     string
		args     args
		wantOut  []float32
		wantMean []float32
		wantRstd []float32
	}{
		{
			name: "twoRows",
			args: args{
				inp:    []float32{0.2, 0.1, 0.3, 0.5, 0.1, 0.1},
				weight: []float32{1, 1, 1},
				bias:   []float32{0, 0, 0},
				B:      2,
				T:      1,
				C:      3,
			},
			wantOut:  []float32{0, -1.2238272, 1.2238274, 1.4140146, -0.70700747, -0.70700747},
			wantMean: []float32{0.2, 0.23333335},
			wantRstd: []float32{12.238273, 5.302555},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make([]float32, len(tt.args.inp))
			mean := make([]float32, tt.args.B*tt.args.T)
			rstd := make([]float32, tt.args.B*tt.args.T)
			layernormForward(out, mean, rstd, tt.args.inp, tt.args.weight, tt.args.bias, tt.args.B, tt.args.T, tt.args.C)
			assert.InDeltaSlice(t, tt.wantOut, out, delta)
			assert.InDeltaSlice(t, tt.wantMean, mean, delta)
			assert.InDeltaSlice(t, tt.wantRstd, rstd, delta)
		})
	}
}

func TestMatmulForward(t *testing.T) {
	// weight is (OC, C) row-major; identity weight plus bias passes the
	// input through shifted.
	inp := []float32{1, 2, 3, 4}
	weight := []float32{1, 0, 0, 1}
	bias := []float32{0.5, -0.5}
	out := make([]float32, 4)
	matmulForward(out, inp, weight, bias, 1, 2, 2, 2)
	assert.InDeltaSlice(t, []float32{1.5, 1.5, 3.5, 3.5}, out, delta)
}

func TestMatmulBackward(t *testing.T) {
	inp := []float32{1, 2}
	weight := []float32{1, 0, 0, 1}
	dout := []float32{3, 5}
	dinp := make([]float32, 2)
	dweight := make([]float32, 4)
	dbias := make([]float32, 2)
	matmulBackward(dinp, dweight, dbias, dout, inp, weight, 1, 1, 2, 2)
	assert.InDeltaSlice(t, []float32{3, 5}, dinp, delta)
	assert.InDeltaSlice(t, []float32{3, 6, 5, 10}, dweight, delta)
	assert.InDeltaSlice(t, []float32{3, 5}, dbias, delta)
}

func TestAttentionForward_Causal(t *testing.T) {
	B, T, C, NH := 1, 4, 8, 2
	rng := rand.New(rand.NewSource(5))
	qkv := make([]float32, B*T*3*C)
	for i := range qkv {
		qkv[i] = rng.Float32()*2 - 1
	}
	run := func(in []float32) []float32 {
		out := make([]float32, B*T*C)
		preatt := make([]float32, B*NH*T*T)
		att := make([]float32, B*NH*T*T)
		attentionForward(out, preatt, att, in, B, T, C, NH)
		return out
	}
	base := run(qkv)

	// Perturbing the last position must leave every earlier output alone.
	perturbed := append([]float32(nil), qkv...)
	for i := (T - 1) * 3 * C; i < T*3*C; i++ {
		perturbed[i] += 10
	}
	got := run(perturbed)
	assert.InDeltaSlice(t, base[:(T-1)*C], got[:(T-1)*C], delta)
}

func TestAttentionForward_RowsNormalized(t *testing.T) {
	B, T, C, NH := 2, 3, 4, 2
	rng := rand.New(rand.NewSource(9))
	qkv := make([]float32, B*T*3*C)
	for i := range qkv {
		qkv[i] = rng.Float32()
	}
	out := make([]float32, B*T*C)
	preatt := make([]float32, B*NH*T*T)
	att := make([]float32, B*NH*T*T)
	attentionForward(out, preatt, att, qkv, B, T, C, NH)
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			for t1 := 0; t1 < T; t1++ {
				row := att[b*NH*T*T+h*T*T+t1*T:][:T]
				var sum float32
				for t2 := 0; t2 <= t1; t2++ {
					sum += row[t2]
				}
				assert.InDelta(t, 1.0, sum, delta, "softmax row must sum to 1")
				for t2 := t1 + 1; t2 < T; t2++ {
					assert.Zero(t, row[t2], "future positions must carry no weight")
				}
			}
		}
	}
}

func TestGeluForward(t *testing.T) {
	inp := []float32{0, 1, -1}
	out := make([]float32, len(inp))
	geluForward(out, inp, len(inp))
	assert.InDelta(t, 0.0, out[0], delta)
	assert.InDelta(t, 0.841192, out[1], 1e-4)
	assert.InDelta(t, -0.158808, out[2], 1e-4)
}

func TestResidualForward(t *testing.T) {
	out := make([]float32, 3)
	residualForward(out, []float32{1, 2, 3}, []float32{10, 20, 30}, 3)
	assert.Equal(t, []float32{11, 22, 33}, out)
}

func TestSoftmaxForward(t *testing.T) {
	logits := []float32{1, 2, 3, 0, 0, 0}
	probs := make([]float32, len(logits))
	softmaxForward(probs, logits, 1, 2, 3)
	for p := 0; p < 2; p++ {
		var sum float32
		for _, v := range probs[p*3 : p*3+3] {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, delta)
	}
	assert.Greater(t, probs[2], probs[1])
	assert.Greater(t, probs[1], probs[0])
	assert.InDeltaSlice(t, []float32{1. / 3, 1. / 3, 1. / 3}, probs[3:], delta)
}

func TestCrossEntropyForward(t *testing.T) {
	V := 4
	probs := []float32{0.25, 0.25, 0.25, 0.25}
	losses := make([]float32, 1)
	crossEntropyForward(losses, probs, []int32{2}, 1, 1, V)
	assert.InDelta(t, math.Log(4), float64(losses[0]), delta)
}

func TestDropoutForward(t *testing.T) {
	n := 1000
	inp := make([]float32, n)
	for i := range inp {
		inp[i] = 1
	}
	out := make([]float32, n)
	mask := make([]float32, n)

	dropoutForward(out, mask, inp, 0, nil, n)
	assert.Equal(t, inp, out, "p=0 must be a copy")
	for _, m := range mask {
		require.Equal(t, float32(1), m)
	}

	rng := rand.New(rand.NewSource(1))
	dropoutForward(out, mask, inp, 0.5, rng, n)
	zeros := 0
	for i := range out {
		if out[i] == 0 {
			zeros++
			assert.Zero(t, mask[i])
		} else {
			assert.InDelta(t, 2.0, out[i], delta, "survivors are scaled by 1/(1-p)")
			assert.InDelta(t, 2.0, mask[i], delta)
		}
	}
	assert.Greater(t, zeros, n/4)
	assert.Less(t, zeros, 3*n/4)
}

func TestDropoutBackward(t *testing.T) {
	mask := []float32{0, 2, 2}
	dout := []float32{5, 5, 7}
	dinp := make([]float32, 3)
	dropoutBackward(dinp, dout, mask, 3)
	assert.Equal(t, []float32{0, 10, 14}, dinp)
}
