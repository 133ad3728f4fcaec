package bytegpt

import (
	"math"
	"math/rand"
	"sync"
)

// embedForward sums the token embedding row for each input id with the
// positional embedding row for its offset, producing the (B, T, C) block
// input. inp ids index wte; the position within the window indexes wpe.
func embedForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			tok := wte[int(inp[b*T+t])*C:]
			pos := wpe[t*C:]
			for i := 0; i < C; i++ {
				outBT[i] = tok[i] + pos[i]
			}
		}
	}
}

func embedBackward(dwte, dwpe []float32, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			dtok := dwte[int(inp[b*T+t])*C:]
			dpos := dwpe[t*C:]
			for i := 0; i < C; i++ {
				dtok[i] += doutBT[i]
				dpos[i] += doutBT[i]
			}
		}
	}
}

// layernormForward normalizes each (b, t) vector to zero mean and unit
// variance, then scales and shifts. mean and rstd are kept for backward.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float64
			for i := 0; i < C; i++ {
				m += float64(x[i])
			}
			m /= float64(C)
			var v float64
			for i := 0; i < C; i++ {
				d := float64(x[i]) - m
				v += d * d
			}
			v /= float64(C)
			s := 1.0 / math.Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (float64(x[i]) - m)
				outBT[i] = float32(n*float64(weight[i]) + float64(bias[i]))
			}
			mean[b*T+t] = float32(m)
			rstd[b*T+t] = float32(s)
		}
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*C + t*C
			doutBT := dout[base : base+C]
			inpBT := inp[base : base+C]
			dinpBT := dinp[base : base+C]
			m := mean[b*T+t]
			s := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				norm := (inpBT[i] - m) * s
				dnorm := weight[i] * doutBT[i]
				dnormMean += dnorm
				dnormNormMean += dnorm * norm
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				norm := (inpBT[i] - m) * s
				dnorm := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += norm * doutBT[i]
				dinpBT[i] += (dnorm - dnormMean - norm*dnormNormMean) * s
			}
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias at every (b, t)
// position: inp is (B, T, C), weight is (OC, C) row-major, out is (B, T, OC).
// Positions are independent, so the loop fans out across goroutines.
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				inpBT := inp[b*T*C+t*C:]
				outBT := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float64
					if bias != nil {
						val = float64(bias[o])
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += float64(inpBT[i]) * float64(wrow[i])
					}
					outBT[o] = float32(val)
				}
			}(b, t)
		}
	}
	wg.Wait()
}

func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	// into dinp, parallel over (b, t)
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				doutBT := dout[b*T*OC+t*OC:]
				dinpBT := dinp[b*T*C+t*C:]
				for o := 0; o < OC; o++ {
					wrow := weight[o*C:]
					d := doutBT[o]
					for i := 0; i < C; i++ {
						dinpBT[i] += wrow[i] * d
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
	// into dweight/dbias, parallel over output channels
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					doutBT := dout[b*T*OC+t*OC:]
					inpBT := inp[b*T*C+t*C:]
					dwrow := dweight[o*C:]
					d := doutBT[o]
					if dbias != nil {
						dbias[o] += d
					}
					for i := 0; i < C; i++ {
						dwrow[i] += inpBT[i] * d
					}
				}
			}
		}(o)
	}
	wg.Wait()
}

// attentionForward is scaled dot-product attention over the fused (B, T, 3C)
// query/key/value input, NH heads of size C/NH. The causal constraint is
// enforced by construction: scores and the softmax run only over t2 <= t
// (equivalent to masking future scores to -inf before normalizing), and
// att rows are zeroed beyond t, so position t never reads positions after it.
func attentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				wg.Add(1)
				go func(b, t, h int) {
					defer wg.Done()
					query := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]

					maxval := math.Inf(-1)
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float64
						for i := 0; i < hs; i++ {
							val += float64(query[i]) * float64(key[i])
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = float32(val)
					}

					var expsum float64
					for t2 := 0; t2 <= t; t2++ {
						e := math.Exp(float64(preattBTH[t2]) - maxval)
						expsum += e
						attBTH[t2] = float32(e)
					}
					var inv float64
					if expsum != 0 {
						inv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							attBTH[t2] *= float32(inv)
						} else {
							attBTH[t2] = 0
						}
					}

					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0
					}
					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+2*C:]
						a := attBTH[t2]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * value[i]
						}
					}
				}(b, t, h)
			}
		}
	}
	wg.Wait()
}

func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				query := inp[b*T*C3+t*C3+h*hs:]
				dquery := dinp[b*T*C3+t*C3+h*hs:]
				doutBTH := dout[b*T*C+t*C+h*hs:]

				// through the value accumulation
				for t2 := 0; t2 <= t; t2++ {
					value := inp[b*T*C3+t2*C3+h*hs+2*C:]
					dvalue := dinp[b*T*C3+t2*C3+h*hs+2*C:]
					for i := 0; i < hs; i++ {
						dattBTH[t2] += value[i] * doutBTH[i]
						dvalue[i] += attBTH[t2] * doutBTH[i]
					}
				}
				// through the softmax
				for t2 := 0; t2 <= t; t2++ {
					for t3 := 0; t3 <= t; t3++ {
						var indicator float32
						if t2 == t3 {
							indicator = 1
						}
						dpreattBTH[t3] += attBTH[t2] * (indicator - attBTH[t3]) * dattBTH[t2]
					}
				}
				// through the query @ key product
				for t2 := 0; t2 <= t; t2++ {
					key := inp[b*T*C3+t2*C3+h*hs+C:]
					dkey := dinp[b*T*C3+t2*C3+h*hs+C:]
					for i := 0; i < hs; i++ {
						dquery[i] += key[i] * dpreattBTH[t2] * scale
						dkey[i] += query[i] * dpreattBTH[t2] * scale
					}
				}
			}
		}
	}
}

var geluScale = math.Sqrt(2.0 / math.Pi)

func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(geluScale*(x+cube))))
	}
}

func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		arg := geluScale * (x + cube)
		tanhOut := math.Tanh(arg)
		cosh := math.Cosh(arg)
		sech2 := 1.0 / (cosh * cosh)
		local := 0.5*(1.0+tanhOut) + x*0.5*sech2*geluScale*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(local) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// dropoutForward zeroes each element with probability p and scales the
// survivors by 1/(1-p), recording the applied factor in mask for backward.
// With p == 0 (evaluation and inference) it degenerates to a copy with an
// all-ones mask.
func dropoutForward(out, mask, inp []float32, p float32, rng *rand.Rand, n int) {
	if p == 0 {
		for i := 0; i < n; i++ {
			mask[i] = 1
			out[i] = inp[i]
		}
		return
	}
	keep := 1.0 / (1.0 - p)
	for i := 0; i < n; i++ {
		if rng.Float32() < p {
			mask[i] = 0
			out[i] = 0
		} else {
			mask[i] = keep
			out[i] = inp[i] * keep
		}
	}
}

func dropoutBackward(dinp, dout, mask []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += dout[i] * mask[i]
	}
}

// softmaxForward turns logits into probabilities per (b, t) position, with
// the max subtracted for numerical stability.
func softmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			logitsBT := logits[base : base+V]
			probsBT := probs[base : base+V]
			maxval := float32(math.Inf(-1))
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			var sum float64
			for i := 0; i < V; i++ {
				probsBT[i] = float32(math.Exp(float64(logitsBT[i] - maxval)))
				sum += float64(probsBT[i])
			}
			for i := 0; i < V; i++ {
				probsBT[i] /= float32(sum)
			}
		}
	}
}

// crossEntropyForward records -log(prob of target) per position.
func crossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			p := probs[b*T*V+t*V+int(targets[b*T+t])]
			losses[b*T+t] = float32(-math.Log(float64(p)))
		}
	}
}

// crossEntropySoftmaxBackward folds the softmax and cross-entropy gradients
// into dlogits = (prob - onehot(target)) * dloss.
func crossEntropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			dloss := dlosses[b*T+t]
			ix := int(targets[b*T+t])
			for i := 0; i < V; i++ {
				var indicator float32
				if i == ix {
					indicator = 1
				}
				dlogits[base+i] += (probs[base+i] - indicator) * dloss
			}
		}
	}
}
