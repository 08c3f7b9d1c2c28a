// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

// Package pbs implements TFHE programmable bootstrapping of LWE ciphertexts
// on top of the accelerator layer in package gpu.
//
// A programmable bootstrap evaluates an arbitrary function f over a small
// message space while refreshing ciphertext noise. The function is encoded
// as a look-up table (the test vector) which is blindly rotated by the
// encrypted message and sample extracted back to an LWE ciphertext under
// the flattened GLWE key.
//
// The package provides:
//   - Parameters and presets for 32- and 64-bit torus precision
//   - Key generation for the LWE and GLWE secrets and the bootstrap key
//   - Encryption, decryption and look-up table construction
//   - An Evaluator that converts keys once, caches them per device and
//     dispatches batches to the amortized or low-latency kernels
//   - Binary batch encoding for transport to remote workers
//
// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause
package pbs

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/luxfi/pbs/gpu"
)

// ErrInvalidParameters is returned for parameter sets that cannot be bootstrapped.
var ErrInvalidParameters = errors.New("invalid parameters")

// ParametersLiteral is the plain description of a parameter set
type ParametersLiteral struct {
	// LWEDimension is n, the dimension of bootstrapped input ciphertexts
	LWEDimension int
	// GLWEDimension is k, the number of mask polynomials of the accumulator
	GLWEDimension int
	// LogPolynomialSize is log2 of N
	LogPolynomialSize int
	// BaseLog is log2 of the gadget decomposition base
	BaseLog int
	// Levels is the number of decomposition levels
	Levels int
	// LWENoise is log2 of the standard deviation of fresh LWE noise, as a fraction of q
	LWENoise float64
	// GLWENoise is log2 of the standard deviation of bootstrap key noise, as a fraction of q
	GLWENoise float64
	// MessageModulus is p, the size of the message space (a power of two)
	MessageModulus int
	// Precision selects the 32- or 64-bit torus
	Precision gpu.Precision
}

var (
	// PN10Bit32 bootstraps 2-bit messages on the 32-bit torus.
	PN10Bit32 = ParametersLiteral{
		LWEDimension:      630,
		GLWEDimension:     1,
		LogPolynomialSize: 10,
		BaseLog:           7,
		Levels:            3,
		LWENoise:          -15,
		GLWENoise:         -25,
		MessageModulus:    4,
		Precision:         gpu.Precision32,
	}

	// PN11Bit64 bootstraps 3-bit messages on the 64-bit torus.
	PN11Bit64 = ParametersLiteral{
		LWEDimension:      742,
		GLWEDimension:     1,
		LogPolynomialSize: 11,
		BaseLog:           23,
		Levels:            1,
		LWENoise:          -17,
		GLWENoise:         -52,
		MessageModulus:    8,
		Precision:         gpu.Precision64,
	}
)

// Parameters is a validated parameter set
type Parameters struct {
	lit ParametersLiteral
}

// NewParametersFromLiteral validates lit and returns the parameter set.
func NewParametersFromLiteral(lit ParametersLiteral) (Parameters, error) {
	w := int(lit.Precision)
	switch {
	case lit.Precision != gpu.Precision32 && lit.Precision != gpu.Precision64:
		return Parameters{}, fmt.Errorf("%w: precision %d", ErrInvalidParameters, lit.Precision)
	case lit.LWEDimension <= 0 || lit.GLWEDimension <= 0:
		return Parameters{}, fmt.Errorf("%w: dimensions n=%d k=%d", ErrInvalidParameters, lit.LWEDimension, lit.GLWEDimension)
	case lit.LogPolynomialSize < 1 || lit.LogPolynomialSize+2 > w:
		return Parameters{}, fmt.Errorf("%w: log polynomial size %d", ErrInvalidParameters, lit.LogPolynomialSize)
	case lit.BaseLog <= 0 || lit.Levels <= 0 || lit.BaseLog*lit.Levels > w:
		return Parameters{}, fmt.Errorf("%w: decomposition base 2^%d with %d levels", ErrInvalidParameters, lit.BaseLog, lit.Levels)
	case lit.MessageModulus < 2 || bits.OnesCount(uint(lit.MessageModulus)) != 1:
		return Parameters{}, fmt.Errorf("%w: message modulus %d", ErrInvalidParameters, lit.MessageModulus)
	case 2*lit.MessageModulus > 1<<lit.LogPolynomialSize:
		return Parameters{}, fmt.Errorf("%w: message modulus %d too large for N=%d", ErrInvalidParameters, lit.MessageModulus, 1<<lit.LogPolynomialSize)
	case lit.LWENoise >= 0 || lit.GLWENoise >= 0:
		return Parameters{}, fmt.Errorf("%w: noise must be a negative power of two", ErrInvalidParameters)
	}
	return Parameters{lit: lit}, nil
}

// MustParameters is like NewParametersFromLiteral but panics on error.
func MustParameters(lit ParametersLiteral) Parameters {
	p, err := NewParametersFromLiteral(lit)
	if err != nil {
		panic(err)
	}
	return p
}

// Literal returns the literal the parameters were built from.
func (p Parameters) Literal() ParametersLiteral { return p.lit }

// LWEDimension returns n.
func (p Parameters) LWEDimension() int { return p.lit.LWEDimension }

// GLWEDimension returns k.
func (p Parameters) GLWEDimension() int { return p.lit.GLWEDimension }

// PolynomialSize returns N.
func (p Parameters) PolynomialSize() int { return 1 << p.lit.LogPolynomialSize }

// LogPolynomialSize returns log2 N.
func (p Parameters) LogPolynomialSize() int { return p.lit.LogPolynomialSize }

// BaseLog returns log2 of the decomposition base.
func (p Parameters) BaseLog() int { return p.lit.BaseLog }

// Levels returns the number of decomposition levels.
func (p Parameters) Levels() int { return p.lit.Levels }

// MessageModulus returns p.
func (p Parameters) MessageModulus() int { return p.lit.MessageModulus }

// Precision returns the torus width.
func (p Parameters) Precision() gpu.Precision { return p.lit.Precision }

// OutputLWEDimension returns kN, the dimension of bootstrapped ciphertexts.
func (p Parameters) OutputLWEDimension() int { return p.lit.GLWEDimension * p.PolynomialSize() }

// Layout returns the bootstrap key layout.
func (p Parameters) Layout() gpu.Layout {
	return gpu.Layout{
		InputLWEDimension: p.lit.LWEDimension,
		GLWEDimension:     p.lit.GLWEDimension,
		Levels:            p.lit.Levels,
		PolynomialSize:    p.PolynomialSize(),
	}
}

// BootstrapParams returns the kernel arguments for a batch.
func (p Parameters) BootstrapParams(numSamples, numTestVectors int) gpu.BootstrapParams {
	return gpu.BootstrapParams{
		InputLWEDimension: p.lit.LWEDimension,
		GLWEDimension:     p.lit.GLWEDimension,
		PolynomialSize:    p.PolynomialSize(),
		BaseLog:           p.lit.BaseLog,
		Levels:            p.lit.Levels,
		NumSamples:        numSamples,
		NumTestVectors:    numTestVectors,
	}
}

// deltaLog returns log2 of the encoding scale q/(2p). The extra bit is the
// padding that keeps the test vector negacyclic.
func (p Parameters) deltaLog() int {
	return int(p.lit.Precision) - 1 - bits.TrailingZeros(uint(p.lit.MessageModulus))
}

func (p Parameters) String() string {
	return fmt.Sprintf("n=%d k=%d N=%d B=2^%d l=%d p=%d %s",
		p.lit.LWEDimension, p.lit.GLWEDimension, p.PolynomialSize(),
		p.lit.BaseLog, p.lit.Levels, p.lit.MessageModulus, p.lit.Precision)
}

func checkPrecision[T gpu.Torus](p Parameters) error {
	if gpu.PrecisionOf[T]() != p.Precision() {
		return fmt.Errorf("%w: parameters are %s, ciphertexts are %s", gpu.ErrPrecisionMismatch, p.Precision(), gpu.PrecisionOf[T]())
	}
	return nil
}
