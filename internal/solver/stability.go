package solver

import "math"

// Stability limit detection for BDF at orders >= 3. The method keeps a
// rolling window of scaled derivative norms (ssdat) and looks for a
// dominant characteristic root of the step-to-step recurrence near the
// unit circle; such a root signals that the step size is being limited
// by stability rather than accuracy, in which case dropping an order
// enlarges the stability region. The cutoffs below are empirically
// tuned; treat them as calibration constants.
const (
	stabTiny   = 1.0e-10
	stabRRCut  = 0.98   // root magnitude cutoff for flagging
	stabVRRTol = 1.0e-4 // ratio variance tolerance (normal case)
	stabVRRT2  = 5.0e-4 // ratio spread tolerance
	stabSQTol  = 1.0e-3 // quartic residual tolerance
	stabRRTol  = 1.0e-2 // root consistency tolerance
)

// bdfStab records the current scaled derivative data and, when the
// window is full and no order change is already pending downward, runs
// the detection. A violation reduces the order by one and recomputes
// the next step from etaqm1.
func (s *Solver) bdfStab() {
	if s.q >= 3 {
		for k := 1; k <= 3; k++ {
			for i := 5; i >= 2; i-- {
				s.ssdat[i][k] = s.ssdat[i-1][k]
			}
		}
		factorial := 1.0
		for i := 1; i <= s.q-1; i++ {
			factorial *= float64(i)
		}
		q := float64(s.q)
		sq := factorial * q * (q + 1) * s.acnrm / math.Max(s.tq[5], stabTiny)
		sqm1 := factorial * q * s.zn[s.q].WrmsNorm(s.ewt)
		sqm2 := factorial * s.zn[s.q-1].WrmsNorm(s.ewt)
		s.ssdat[1][1] = sqm2 * sqm2
		s.ssdat[1][2] = sqm1 * sqm1
		s.ssdat[1][3] = sq * sq
	}

	if s.qprime >= s.q {
		if s.q >= 3 && s.nscon >= s.q+5 {
			if s.sldet() > 3 {
				s.qprime = s.q - 1
				s.eta = s.etaqm1
				s.eta = math.Min(s.eta, s.etamax)
				s.eta /= math.Max(1, math.Abs(s.h)*s.hmaxInv*s.eta)
				s.hprime = s.h * s.eta
				s.nor++
			}
		}
	} else {
		// an order increase is already selected; restart the window
		s.nscon = 0
	}
}

// sldet estimates the dominant characteristic root rr of the data in
// ssdat. Positive return values mean a root was found (4..6 flag a
// stability violation); negative values mean the data was unusable.
// Index k spans the polynomial degrees q-1, q, q+1; index i runs
// backward in time over the last five steps.
func (s *Solver) sldet() int {
	var (
		rat          [6][4]float64
		rav, qkr     [4]float64
		sigsq        [4]float64
		smax, ssmax  [4]float64
		drr, rrc     [4]float64
		sqmx         [4]float64
		qjk          [4][4]float64
		vrat         [4]float64
		qc, qco      [6][4]float64
		kmin, kflag  int
	)

	rr := 0.0

	// maxima, minima, variances, and quartic coefficients per degree
	for k := 1; k <= 3; k++ {
		smink := s.ssdat[1][k]
		smaxk := 0.0
		for i := 1; i <= 5; i++ {
			smink = math.Min(smink, s.ssdat[i][k])
			smaxk = math.Max(smaxk, s.ssdat[i][k])
		}
		if smink < stabTiny*smaxk {
			return -1
		}
		smax[k] = smaxk
		ssmax[k] = smaxk * smaxk

		sumrat, sumrsq := 0.0, 0.0
		for i := 1; i <= 4; i++ {
			rat[i][k] = s.ssdat[i][k] / s.ssdat[i+1][k]
			sumrat += rat[i][k]
			sumrsq += rat[i][k] * rat[i][k]
		}
		rav[k] = 0.25 * sumrat
		vrat[k] = math.Abs(0.25*sumrsq - rav[k]*rav[k])

		qc[5][k] = s.ssdat[1][k]*s.ssdat[3][k] - s.ssdat[2][k]*s.ssdat[2][k]
		qc[4][k] = s.ssdat[2][k]*s.ssdat[3][k] - s.ssdat[1][k]*s.ssdat[4][k]
		qc[3][k] = 0
		qc[2][k] = s.ssdat[2][k]*s.ssdat[5][k] - s.ssdat[3][k]*s.ssdat[4][k]
		qc[1][k] = s.ssdat[4][k]*s.ssdat[4][k] - s.ssdat[3][k]*s.ssdat[5][k]
		for i := 1; i <= 5; i++ {
			qco[i][k] = qc[i][k]
		}
	}

	// nearly-normal case: the three degrees share a common root
	vmin := math.Min(vrat[1], math.Min(vrat[2], vrat[3]))
	vmax := math.Max(vrat[1], math.Max(vrat[2], vrat[3]))

	if vmin < stabVRRTol*stabVRRTol {
		if vmax > stabVRRT2*stabVRRT2 {
			return -2
		}
		rr = (rav[1] + rav[2] + rav[3]) / 3
		drrmax := 0.0
		for k := 1; k <= 3; k++ {
			drrmax = math.Max(drrmax, math.Abs(rav[k]-rr))
		}
		if drrmax > stabVRRT2 {
			return -3
		}
		kflag = 1
	} else {
		// eliminate between the quartics to isolate rr
		if math.Abs(qco[1][1]) < stabTiny*ssmax[1] {
			return -4
		}
		tem := qco[1][2] / qco[1][1]
		for i := 2; i <= 5; i++ {
			qco[i][2] -= tem * qco[i][1]
		}
		qco[1][2] = 0
		tem = qco[1][3] / qco[1][1]
		for i := 2; i <= 5; i++ {
			qco[i][3] -= tem * qco[i][1]
		}
		qco[1][3] = 0
		if math.Abs(qco[2][2]) < stabTiny*ssmax[2] {
			return -4
		}
		tem = qco[2][3] / qco[2][2]
		for i := 3; i <= 5; i++ {
			qco[i][3] -= tem * qco[i][2]
		}
		if math.Abs(qco[4][3]) < stabTiny*ssmax[3] {
			return -4
		}
		rr = -qco[5][3] / qco[4][3]
		if rr < stabTiny || rr > 100 {
			return -5
		}

		for k := 1; k <= 3; k++ {
			qkr[k] = qc[5][k] + rr*(qc[4][k]+rr*rr*(qc[2][k]+rr*qc[1][k]))
		}
		sqmax := 0.0
		for k := 1; k <= 3; k++ {
			if saqk := math.Abs(qkr[k]) / ssmax[k]; saqk > sqmax {
				sqmax = saqk
			}
		}

		if sqmax < stabSQTol {
			kflag = 2
		} else {
			// Newton corrections on rr
			sqmin := 0.0
			for it := 1; it <= 3; it++ {
				for k := 1; k <= 3; k++ {
					qp := qc[4][k] + rr*rr*(3*qc[2][k]+rr*4*qc[1][k])
					drr[k] = 0
					if math.Abs(qp) > stabTiny*ssmax[k] {
						drr[k] = -qkr[k] / qp
					}
					rrc[k] = rr + drr[k]
				}
				for k := 1; k <= 3; k++ {
					sqmaxk := 0.0
					for j := 1; j <= 3; j++ {
						sr := rrc[k]
						qjk[j][k] = qc[5][j] + sr*(qc[4][j]+sr*sr*(qc[2][j]+sr*qc[1][j]))
						if saqj := math.Abs(qjk[j][k]) / ssmax[j]; saqj > sqmaxk {
							sqmaxk = saqj
						}
					}
					sqmx[k] = sqmaxk
				}
				sqmin = sqmx[1] + 1
				for k := 1; k <= 3; k++ {
					if sqmx[k] < sqmin {
						kmin = k
						sqmin = sqmx[k]
					}
				}
				rr = rrc[kmin]
				if sqmin < stabSQTol {
					kflag = 3
					break
				}
				for j := 1; j <= 3; j++ {
					qkr[j] = qjk[j][kmin]
				}
			}
			if sqmin > stabSQTol {
				return -6
			}
		}
	}

	// given rr, recover the sigma-squared values and cross-check
	for k := 1; k <= 3; k++ {
		rsa := s.ssdat[1][k]
		rsb := s.ssdat[2][k] * rr
		rsc := s.ssdat[3][k] * rr * rr
		rsd := s.ssdat[4][k] * rr * rr * rr
		rd1a := rsa - rsb
		rd1b := rsb - rsc
		rd1c := rsc - rsd
		rd2a := rd1a - rd1b
		rd2b := rd1b - rd1c
		rd3a := rd2a - rd2b

		if math.Abs(rd1b) < stabTiny*smax[k] {
			return -7
		}
		cest1 := -rd3a / rd1b
		if cest1 < stabTiny || cest1 > 4 {
			return -7
		}
		corr1 := (rd2b / cest1) / (rr * rr)
		sigsq[k] = s.ssdat[3][k] + corr1
	}

	if sigsq[2] < stabTiny {
		return -8
	}

	q := float64(s.q)
	ratp := sigsq[3] / sigsq[2]
	ratm := sigsq[1] / sigsq[2]
	qfac1 := 0.25 * (q*q - 1)
	qfac2 := 2 / (q - 1)
	bb := ratp*ratm - 1 - qfac1*ratp
	tem := 1 - qfac2*bb
	if math.Abs(tem) < stabTiny {
		return -8
	}
	rrb := 1 / tem
	if math.Abs(rrb-rr) > stabRRTol {
		return -9
	}

	if rr > stabRRCut {
		switch kflag {
		case 1:
			kflag = 4
		case 2:
			kflag = 5
		case 3:
			kflag = 6
		}
	}
	return kflag
}
