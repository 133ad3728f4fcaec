package bytegpt

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrDiverged reports a non-finite loss. Training must halt on it rather
// than let the optimizer keep mutating corrupted parameters.
var ErrDiverged = errors.New("training diverged: loss is not finite")

// GPT is a decoder-only causal transformer language model. Parameters are
// owned exclusively by the model and mutated only in Update; activations are
// working state reallocated when the batch geometry changes.
type GPT struct {
	Config Config

	Params ParameterTensors
	Grads  ParameterTensors

	Acts     ActivationTensors
	GradActs ActivationTensors

	// AdamW state
	MMemory []float32
	VMemory []float32
	AdamT   int

	B, T     int // geometry the activation buffers are sized for
	Inputs   []int32
	Targets  []int32
	MeanLoss float32 // mean cross-entropy of the last forward, -1 without targets

	rng *rand.Rand // dropout and sampling
}

// NewGPT validates the configuration and initializes parameters: embedding
// and projection weights from Normal(0, 0.02), normalization scales at one,
// every bias at zero. Config.VocabSize here is the model's full id space,
// trained vocabulary plus special tokens.
func NewGPT(cfg Config) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &GPT{
		Config:   cfg,
		MeanLoss: -1,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
	m.Params.Init(cfg.VocabSize, cfg.EmbedSize, cfg.BlockSize, cfg.NumLayers)
	normal := distuv.Normal{Mu: 0, Sigma: 0.02, Src: xrand.NewSource(uint64(cfg.Seed))}
	for _, t := range []tensor{
		m.Params.TokEmbed, m.Params.PosEmbed,
		m.Params.QKVW, m.Params.AttProjW,
		m.Params.FcW, m.Params.FcProjW,
		m.Params.LmHeadW,
	} {
		for i := range t.data {
			t.data[i] = float32(normal.Rand())
		}
	}
	for _, t := range []tensor{m.Params.Ln1W, m.Params.Ln2W, m.Params.LnFW} {
		for i := range t.data {
			t.data[i] = 1
		}
	}
	return m, nil
}

// NumParams is the number of learnable scalars.
func (m *GPT) NumParams() int { return m.Params.Len() }

func (m *GPT) ensureActs(B, T int) {
	if m.Acts.Memory != nil && m.B == B && m.T == T {
		return
	}
	cfg := m.Config
	m.B, m.T = B, T
	m.Acts.Init(B, cfg.EmbedSize, T, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize)
	m.GradActs = ActivationTensors{}
	m.Grads = ParameterTensors{}
	m.Inputs = make([]int32, B*T)
	m.Targets = make([]int32, B*T)
}

// Forward runs the model over a flat (B, T) batch of token ids. When target
// is non-nil the mean cross-entropy over all positions is computed, stored
// in MeanLoss and returned; without targets only the logits are produced and
// the returned loss is -1. train enables dropout. Sequences longer than the
// block size are out of contract and rejected.
func (m *GPT) Forward(input, target []int32, B, T int, train bool) (float32, error) {
	cfg := m.Config
	if T > cfg.BlockSize {
		return 0, fmt.Errorf("%w: sequence length %d exceeds block size %d", ErrInvalidConfig, T, cfg.BlockSize)
	}
	if len(input) != B*T || (target != nil && len(target) != B*T) {
		return 0, fmt.Errorf("%w: input/target length does not match batch %dx%d", ErrInvalidConfig, B, T)
	}
	for _, id := range input {
		if id < 0 || int(id) >= cfg.VocabSize {
			return 0, fmt.Errorf("%w: input id %d outside model vocabulary %d", ErrUnknownToken, id, cfg.VocabSize)
		}
	}
	// The last token of a window appears only on the target side, so targets
	// need the same range check before the loss indexes by them.
	for _, id := range target {
		if id < 0 || int(id) >= cfg.VocabSize {
			return 0, fmt.Errorf("%w: target id %d outside model vocabulary %d", ErrUnknownToken, id, cfg.VocabSize)
		}
	}
	m.ensureActs(B, T)
	copy(m.Inputs, input)
	C, L, NH, V := cfg.EmbedSize, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize
	// Dropout noise is a pure function of (seed, optimizer step) so that a
	// resumed run replays the exact masks the uninterrupted run would draw.
	var p float32
	var dropRng *rand.Rand
	if train {
		p = cfg.Dropout
		dropRng = rand.New(rand.NewSource(cfg.Seed + int64(m.AdamT)))
	}
	params, acts := m.Params, m.Acts

	embedForward(acts.Encoded.data, input, params.TokEmbed.data, params.PosEmbed.data, B, T, C)
	residual := acts.Encoded.data
	for l := 0; l < L; l++ {
		ln1 := acts.Ln1.data[l*B*T*C:]
		qkv := acts.QKV.data[l*B*T*3*C:]
		attnOut := acts.AttnOut.data[l*B*T*C:]
		attProj := acts.AttProj.data[l*B*T*C:]
		residual2 := acts.Residual2.data[l*B*T*C:]
		ln2 := acts.Ln2.data[l*B*T*C:]
		fcPre := acts.FcPre.data[l*B*T*4*C:]
		fcGelu := acts.FcGelu.data[l*B*T*4*C:]
		fcProj := acts.FcProj.data[l*B*T*C:]
		residual3 := acts.Residual3.data[l*B*T*C:]

		layernormForward(ln1, acts.Ln1Mean.data[l*B*T:], acts.Ln1Rstd.data[l*B*T:], residual,
			params.Ln1W.data[l*C:], params.Ln1B.data[l*C:], B, T, C)
		matmulForward(qkv, ln1, params.QKVW.data[l*3*C*C:], params.QKVB.data[l*3*C:], B, T, C, 3*C)
		attentionForward(attnOut, acts.PreAtt.data[l*B*NH*T*T:], acts.Att.data[l*B*NH*T*T:], qkv, B, T, C, NH)
		matmulForward(attProj, attnOut, params.AttProjW.data[l*C*C:], params.AttProjB.data[l*C:], B, T, C, C)
		dropoutForward(attProj, acts.AttDrop.data[l*B*T*C:], attProj, p, dropRng, B*T*C)
		residualForward(residual2, residual, attProj, B*T*C)
		layernormForward(ln2, acts.Ln2Mean.data[l*B*T:], acts.Ln2Rstd.data[l*B*T:], residual2,
			params.Ln2W.data[l*C:], params.Ln2B.data[l*C:], B, T, C)
		matmulForward(fcPre, ln2, params.FcW.data[l*4*C*C:], params.FcB.data[l*4*C:], B, T, C, 4*C)
		geluForward(fcGelu, fcPre, B*T*4*C)
		matmulForward(fcProj, fcGelu, params.FcProjW.data[l*C*4*C:], params.FcProjB.data[l*C:], B, T, 4*C, C)
		dropoutForward(fcProj, acts.FcDrop.data[l*B*T*C:], fcProj, p, dropRng, B*T*C)
		residualForward(residual3, residual2, fcProj, B*T*C)
		residual = residual3
	}
	layernormForward(acts.LnF.data, acts.LnFMean.data, acts.LnFRstd.data, residual,
		params.LnFW.data, params.LnFB.data, B, T, C)
	matmulForward(acts.Logits.data, acts.LnF.data, params.LmHeadW.data, nil, B, T, C, V)
	softmaxForward(acts.Probs.data, acts.Logits.data, B, T, V)

	if target == nil {
		m.MeanLoss = -1
		return -1, nil
	}
	copy(m.Targets, target)
	crossEntropyForward(acts.Losses.data, acts.Probs.data, target, B, T, V)
	var sum float64
	for _, l := range acts.Losses.data {
		sum += float64(l)
	}
	m.MeanLoss = float32(sum / float64(B*T))
	if math.IsNaN(float64(m.MeanLoss)) || math.IsInf(float64(m.MeanLoss), 0) {
		return m.MeanLoss, ErrDiverged
	}
	return m.MeanLoss, nil
}

// Logits returns the raw (B, T, V) output scores of the last forward pass.
func (m *GPT) Logits() []float32 { return m.Acts.Logits.data }

// Backward accumulates parameter gradients for the last forward pass, which
// must have been run with targets.
func (m *GPT) Backward() error {
	if m.MeanLoss == -1 {
		return errors.New("must forward with targets before backward")
	}
	cfg := m.Config
	B, T, C, L, NH, V := m.B, m.T, cfg.EmbedSize, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize
	if m.Grads.Memory == nil {
		m.Grads.Init(V, C, cfg.BlockSize, L)
		m.GradActs.Init(B, C, T, L, NH, V)
	}
	params, grads, acts, gacts := m.Params, m.Grads, m.Acts, m.GradActs

	// mean loss distributes 1/(B*T) to every position
	dmean := 1.0 / float32(B*T)
	for i := range gacts.Losses.data {
		gacts.Losses.data[i] = dmean
	}
	crossEntropySoftmaxBackward(gacts.Logits.data, gacts.Losses.data, acts.Probs.data, m.Targets, B, T, V)
	matmulBackward(gacts.LnF.data, grads.LmHeadW.data, nil, gacts.Logits.data, acts.LnF.data, params.LmHeadW.data, B, T, C, V)
	residual := acts.Residual3.data[(L-1)*B*T*C:]
	dresidual := gacts.Residual3.data[(L-1)*B*T*C:]
	layernormBackward(dresidual, grads.LnFW.data, grads.LnFB.data, gacts.LnF.data, residual,
		params.LnFW.data, acts.LnFMean.data, acts.LnFRstd.data, B, T, C)

	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = gacts.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
			dresidual = gacts.Residual3.data[(l-1)*B*T*C:]
		}
		dln1 := gacts.Ln1.data[l*B*T*C:]
		dqkv := gacts.QKV.data[l*B*T*3*C:]
		dattnOut := gacts.AttnOut.data[l*B*T*C:]
		dattProj := gacts.AttProj.data[l*B*T*C:]
		dresidual2 := gacts.Residual2.data[l*B*T*C:]
		dln2 := gacts.Ln2.data[l*B*T*C:]
		dfcPre := gacts.FcPre.data[l*B*T*4*C:]
		dfcGelu := gacts.FcGelu.data[l*B*T*4*C:]
		dfcProj := gacts.FcProj.data[l*B*T*C:]
		dresidual3 := gacts.Residual3.data[l*B*T*C:]

		residualBackward(dresidual2, dfcProj, dresidual3, B*T*C)
		scaleByMask(dfcProj, acts.FcDrop.data[l*B*T*C:], B*T*C)
		matmulBackward(dfcGelu, grads.FcProjW.data[l*C*4*C:], grads.FcProjB.data[l*C:], dfcProj,
			acts.FcGelu.data[l*B*T*4*C:], params.FcProjW.data[l*C*4*C:], B, T, 4*C, C)
		geluBackward(dfcPre, acts.FcPre.data[l*B*T*4*C:], dfcGelu, B*T*4*C)
		matmulBackward(dln2, grads.FcW.data[l*4*C*C:], grads.FcB.data[l*4*C:], dfcPre,
			acts.Ln2.data[l*B*T*C:], params.FcW.data[l*4*C*C:], B, T, C, 4*C)
		layernormBackward(dresidual2, grads.Ln2W.data[l*C:], grads.Ln2B.data[l*C:], dln2,
			acts.Residual2.data[l*B*T*C:], params.Ln2W.data[l*C:],
			acts.Ln2Mean.data[l*B*T:], acts.Ln2Rstd.data[l*B*T:], B, T, C)
		residualBackward(dresidual, dattProj, dresidual2, B*T*C)
		scaleByMask(dattProj, acts.AttDrop.data[l*B*T*C:], B*T*C)
		matmulBackward(dattnOut, grads.AttProjW.data[l*C*C:], grads.AttProjB.data[l*C:], dattProj,
			acts.AttnOut.data[l*B*T*C:], params.AttProjW.data[l*C*C:], B, T, C, C)
		attentionBackward(dqkv, gacts.PreAtt.data[l*B*NH*T*T:], gacts.Att.data[l*B*NH*T*T:], dattnOut,
			acts.QKV.data[l*B*T*3*C:], acts.Att.data[l*B*NH*T*T:], B, T, C, NH)
		matmulBackward(dln1, grads.QKVW.data[l*3*C*C:], grads.QKVB.data[l*3*C:], dqkv,
			acts.Ln1.data[l*B*T*C:], params.QKVW.data[l*3*C*C:], B, T, C, 3*C)
		layernormBackward(dresidual, grads.Ln1W.data[l*C:], grads.Ln1B.data[l*C:], dln1,
			residual, params.Ln1W.data[l*C:],
			acts.Ln1Mean.data[l*B*T:], acts.Ln1Rstd.data[l*B*T:], B, T, C)
	}
	embedBackward(grads.TokEmbed.data, grads.PosEmbed.data, gacts.Encoded.data, m.Inputs, B, T, C)
	return nil
}

// scaleByMask folds a dropout mask into an in-flight gradient.
func scaleByMask(grad, mask []float32, n int) {
	for i := 0; i < n; i++ {
		grad[i] *= mask[i]
	}
}

// Update applies one AdamW step over all parameters. The step counter for
// bias correction is part of the optimizer state and survives checkpoints.
func (m *GPT) Update(learningRate, beta1, beta2, eps, weightDecay float32) {
	if m.MMemory == nil {
		m.MMemory = make([]float32, m.Params.Len())
		m.VMemory = make([]float32, m.Params.Len())
	}
	m.AdamT++
	c1 := 1.0 - math.Pow(float64(beta1), float64(m.AdamT))
	c2 := 1.0 - math.Pow(float64(beta2), float64(m.AdamT))
	for i := range m.Params.Memory {
		param := m.Params.Memory[i]
		grad := m.Grads.Memory[i]
		mom := beta1*m.MMemory[i] + (1-beta1)*grad
		vel := beta2*m.VMemory[i] + (1-beta2)*grad*grad
		mHat := float64(mom) / c1
		vHat := float64(vel) / c2
		m.MMemory[i] = mom
		m.VMemory[i] = vel
		m.Params.Memory[i] -= learningRate * (float32(mHat/(math.Sqrt(vHat)+float64(eps))) + weightDecay*param)
	}
}

// ZeroGrads clears parameter and activation gradients before the next step.
func (m *GPT) ZeroGrads() {
	for i := range m.Grads.Memory {
		m.Grads.Memory[i] = 0
	}
	for i := range m.GradActs.Memory {
		m.GradActs.Memory[i] = 0
	}
}

// Generate extends prompt by maxNew sampled tokens. The context slides to
// the last blockSize ids, so arbitrarily long generations stay inside the
// position table. Temperature scales the logits before sampling; 0 is
// treated as greedy.
func (m *GPT) Generate(prompt []int32, maxNew int, temperature float32) ([]int32, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidConfig)
	}
	out := append([]int32(nil), prompt...)
	for n := 0; n < maxNew; n++ {
		ctx := out
		if len(ctx) > m.Config.BlockSize {
			ctx = ctx[len(ctx)-m.Config.BlockSize:]
		}
		T := len(ctx)
		if _, err := m.Forward(ctx, nil, 1, T, false); err != nil {
			return nil, err
		}
		logits := m.Acts.Logits.data[(T-1)*m.Config.VocabSize : T*m.Config.VocabSize]
		var next int
		if temperature <= 0 {
			next = argmax(logits)
		} else {
			probs := softmaxTemp(logits, temperature)
			next = sampleMult(probs, m.rng.Float32())
		}
		out = append(out, int32(next))
	}
	return out, nil
}
