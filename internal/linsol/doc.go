// Package linsol provides linear solver backends for the Newton
// corrector in package solver. Each backend approximates the Jacobian
// J = df/dy by difference quotients, forms the Newton matrix
// M = I - gamma*J, and solves M*x = b:
//
//   - [Dense]: LU factorization of a dense matrix
//   - [Band]: banded LU for Jacobians with known bandwidth
//   - [Sparse]: sparse LU for large systems with scattered structure
//   - [SPBCGS]: matrix-free scaled preconditioned BiCGStab
//
// The direct backends cache the Jacobian between setups and only
// re-evaluate it when the corrector signals that it has gone stale.
package linsol
