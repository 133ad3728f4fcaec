package bytegpt

type tensor struct {
	data []float32
	dims []int
}

func (t tensor) size() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// arena carves tensors out of one contiguous backing slice so the whole
// parameter (or activation) set can be copied, zeroed and checkpointed as a
// single []float32.
type arena struct {
	mem []float32
	off int
}

func (a *arena) take(dims ...int) tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if a.off+n > len(a.mem) {
		panic("arena exhausted: tensor dims inconsistent with backing size")
	}
	t := tensor{data: a.mem[a.off : a.off+n], dims: dims}
	a.off += n
	return t
}

func (a *arena) done() {
	if a.off != len(a.mem) {
		panic("arena not fully assigned: tensor dims inconsistent with backing size")
	}
}

// ParameterTensors holds every learnable weight. Layout (V vocab, C embed
// width, T block size, L layers):
type ParameterTensors struct {
	Memory   []float32
	TokEmbed tensor // (V, C) token embedding table
	PosEmbed tensor // (T, C) learned positional table, fixed at block size
	Ln1W     tensor // (L, C)
	Ln1B     tensor // (L, C)
	QKVW     tensor // (L, 3C, C) fused query/key/value projection
	QKVB     tensor // (L, 3C)
	AttProjW tensor // (L, C, C)
	AttProjB tensor // (L, C)
	Ln2W     tensor // (L, C)
	Ln2B     tensor // (L, C)
	FcW      tensor // (L, 4C, C) feed-forward expansion
	FcB      tensor // (L, 4C)
	FcProjW  tensor // (L, C, 4C) feed-forward contraction
	FcProjB  tensor // (L, C)
	LnFW     tensor // (C) final normalization
	LnFB     tensor // (C)
	LmHeadW  tensor // (V, C) output projection to vocabulary logits
}

func parameterCount(V, C, T, L int) int {
	return V*C + T*C +
		L*(2*C+3*C*C+3*C+C*C+C+2*C+4*C*C+4*C+4*C*C+C) +
		2*C + V*C
}

// Init allocates the backing memory and carves out each tensor.
func (p *ParameterTensors) Init(V, C, T, L int) {
	p.Memory = make([]float32, parameterCount(V, C, T, L))
	a := &arena{mem: p.Memory}
	p.TokEmbed = a.take(V, C)
	p.PosEmbed = a.take(T, C)
	p.Ln1W = a.take(L, C)
	p.Ln1B = a.take(L, C)
	p.QKVW = a.take(L, 3*C, C)
	p.QKVB = a.take(L, 3*C)
	p.AttProjW = a.take(L, C, C)
	p.AttProjB = a.take(L, C)
	p.Ln2W = a.take(L, C)
	p.Ln2B = a.take(L, C)
	p.FcW = a.take(L, 4*C, C)
	p.FcB = a.take(L, 4*C)
	p.FcProjW = a.take(L, C, 4*C)
	p.FcProjB = a.take(L, C)
	p.LnFW = a.take(C)
	p.LnFB = a.take(C)
	p.LmHeadW = a.take(V, C)
	a.done()
}

// Len is the total number of learnable scalars.
func (p *ParameterTensors) Len() int { return len(p.Memory) }

// ActivationTensors holds every forward-pass intermediate the backward pass
// needs, including the dropout masks recorded during training forwards.
type ActivationTensors struct {
	Memory     []float32
	Encoded    tensor // (B, T, C) token + positional embedding sum
	Ln1        tensor // (L, B, T, C)
	Ln1Mean    tensor // (L, B, T)
	Ln1Rstd    tensor // (L, B, T)
	QKV        tensor // (L, B, T, 3C)
	AttnOut    tensor // (L, B, T, C) concatenated head outputs
	PreAtt     tensor // (L, B, NH, T, T) masked scores before softmax
	Att        tensor // (L, B, NH, T, T) attention weights
	AttProj    tensor // (L, B, T, C)
	AttDrop    tensor // (L, B, T, C) dropout mask after attention projection
	Residual2  tensor // (L, B, T, C)
	Ln2        tensor // (L, B, T, C)
	Ln2Mean    tensor // (L, B, T)
	Ln2Rstd    tensor // (L, B, T)
	FcPre      tensor // (L, B, T, 4C)
	FcGelu     tensor // (L, B, T, 4C)
	FcProj     tensor // (L, B, T, C)
	FcDrop     tensor // (L, B, T, C) dropout mask after feed-forward projection
	Residual3  tensor // (L, B, T, C)
	LnF        tensor // (B, T, C)
	LnFMean    tensor // (B, T)
	LnFRstd    tensor // (B, T)
	Logits     tensor // (B, T, V)
	Probs      tensor // (B, T, V)
	Losses     tensor // (B, T)
}

func activationCount(B, C, T, L, NH, V int) int {
	return B*T*C +
		L*(20*B*T*C+4*B*T+2*B*NH*T*T) +
		B*T*C + 2*B*T + 2*B*T*V + B*T
}

func (act *ActivationTensors) Init(B, C, T, L, NH, V int) {
	act.Memory = make([]float32, activationCount(B, C, T, L, NH, V))
	a := &arena{mem: act.Memory}
	act.Encoded = a.take(B, T, C)
	act.Ln1 = a.take(L, B, T, C)
	act.Ln1Mean = a.take(L, B, T)
	act.Ln1Rstd = a.take(L, B, T)
	act.QKV = a.take(L, B, T, 3*C)
	act.AttnOut = a.take(L, B, T, C)
	act.PreAtt = a.take(L, B, NH, T, T)
	act.Att = a.take(L, B, NH, T, T)
	act.AttProj = a.take(L, B, T, C)
	act.AttDrop = a.take(L, B, T, C)
	act.Residual2 = a.take(L, B, T, C)
	act.Ln2 = a.take(L, B, T, C)
	act.Ln2Mean = a.take(L, B, T)
	act.Ln2Rstd = a.take(L, B, T)
	act.FcPre = a.take(L, B, T, 4*C)
	act.FcGelu = a.take(L, B, T, 4*C)
	act.FcProj = a.take(L, B, T, C)
	act.FcDrop = a.take(L, B, T, C)
	act.Residual3 = a.take(L, B, T, C)
	act.LnF = a.take(B, T, C)
	act.LnFMean = a.take(B, T)
	act.LnFRstd = a.take(B, T)
	act.Logits = a.take(B, T, V)
	act.Probs = a.take(B, T, V)
	act.Losses = a.take(B, T)
	a.done()
}
