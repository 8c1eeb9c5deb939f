package eris

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/fumin/ccsd/tensor"
)

// FCIDUMP holds the integrals of a Knowles-Handy FCIDUMP file.
type FCIDUMP struct {
	NOrb   int
	NElec  int
	MS2    int
	ISym   int
	OrbSym []int
	ECore  float64
	H1     *tensor.Dense // NOrb x NOrb
	ERI    []float64     // 8-fold packed
}

// MaxNOrb bounds NORB, since the 8-fold packed integrals are allocated
// before any integral line is read.
const MaxNOrb = 160

var headerKey = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*=`)

// ReadFCIDUMP parses an FCIDUMP file.
func ReadFCIDUMP(r io.Reader) (*FCIDUMP, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<16), 1<<24)

	var header strings.Builder
	var lineNo int
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		upper := strings.ToUpper(line)
		if end := strings.Index(upper, "&END"); end >= 0 {
			header.WriteString(line[:end])
			break
		}
		if strings.TrimSpace(line) == "/" {
			break
		}
		header.WriteString(line)
		header.WriteString(" ")
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}

	f := &FCIDUMP{ISym: 1}
	if err := f.parseHeader(header.String()); err != nil {
		return nil, errors.Wrap(err, "")
	}
	f.H1 = tensor.Zeros(f.NOrb, f.NOrb)
	f.ERI = make([]float64, Size8(f.NOrb))

	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, errors.Errorf("line %d: %q", lineNo, scanner.Text())
		}
		v, err := parseFloat(fields[0])
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("line %d", lineNo))
		}
		var idx [4]int
		for k := range idx {
			idx[k], err = strconv.Atoi(fields[k+1])
			if err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("line %d", lineNo))
			}
			if idx[k] < 0 || idx[k] > f.NOrb {
				return nil, errors.Errorf("line %d: index %d out of %d orbitals", lineNo, idx[k], f.NOrb)
			}
		}
		i, j, k, l := idx[0]-1, idx[1]-1, idx[2]-1, idx[3]-1
		switch {
		case idx == [4]int{}:
			f.ECore = v
		case idx[1] == 0 && idx[2] == 0 && idx[3] == 0:
			// Orbital energies carry no information needed here.
		case idx[2] == 0 && idx[3] == 0:
			if i < 0 || j < 0 {
				return nil, errors.Errorf("line %d: bad one-electron indices %v", lineNo, idx)
			}
			f.H1.Set(v, i, j)
			f.H1.Set(v, j, i)
		case i >= 0 && j >= 0 && k >= 0 && l >= 0:
			f.ERI[Index8(i, j, k, l)] = v
		default:
			return nil, errors.Errorf("line %d: bad indices %v", lineNo, idx)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return f, nil
}

func (f *FCIDUMP) parseHeader(h string) error {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(strings.ToUpper(h), "&FCI") {
		return errors.Errorf("missing &FCI in %q", h)
	}
	h = h[len("&FCI"):]
	locs := headerKey.FindAllStringSubmatchIndex(h, -1)
	if len(locs) == 0 {
		return errors.Errorf("empty header %q", h)
	}
	for n, loc := range locs {
		key := strings.ToUpper(h[loc[2]:loc[3]])
		end := len(h)
		if n+1 < len(locs) {
			end = locs[n+1][0]
		}
		vals := strings.FieldsFunc(h[loc[1]:end], func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
		ints := make([]int, 0, len(vals))
		for _, s := range vals {
			v, err := strconv.Atoi(s)
			if err != nil {
				return errors.Wrap(err, key)
			}
			ints = append(ints, v)
		}
		one := func() (int, error) {
			if len(ints) != 1 {
				return 0, errors.Errorf("%s: %v", key, vals)
			}
			return ints[0], nil
		}
		var err error
		switch key {
		case "NORB":
			f.NOrb, err = one()
		case "NELEC":
			f.NElec, err = one()
		case "MS2":
			f.MS2, err = one()
		case "ISYM":
			f.ISym, err = one()
		case "ORBSYM":
			f.OrbSym = ints
		}
		if err != nil {
			return errors.Wrap(err, "")
		}
	}
	if f.NOrb <= 0 || f.NOrb > MaxNOrb {
		return errors.Errorf("NORB %d outside [1, %d]", f.NOrb, MaxNOrb)
	}
	return nil
}

func parseFloat(s string) (float64, error) {
	s = strings.NewReplacer("D", "E", "d", "e").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN(), errors.Wrap(err, "")
	}
	return v, nil
}

// WriteFCIDUMP writes f, skipping integrals smaller than tol in magnitude.
func WriteFCIDUMP(w io.Writer, f *FCIDUMP, tol float64) error {
	bw := bufio.NewWriter(w)
	orbsym := f.OrbSym
	if len(orbsym) == 0 {
		orbsym = make([]int, f.NOrb)
		for i := range orbsym {
			orbsym[i] = 1
		}
	}
	syms := make([]string, len(orbsym))
	for i, s := range orbsym {
		syms[i] = strconv.Itoa(s)
	}
	fmt.Fprintf(bw, " &FCI NORB=%4d,NELEC=%2d,MS2=%d,\n", f.NOrb, f.NElec, f.MS2)
	fmt.Fprintf(bw, "  ORBSYM=%s,\n", strings.Join(syms, ","))
	fmt.Fprintf(bw, "  ISYM=%d,\n &END\n", f.ISym)

	for p := range f.NOrb {
		for q := 0; q <= p; q++ {
			pq := tensor.PairIndex(p, q)
			for r := 0; r <= p; r++ {
				for s := 0; s <= r; s++ {
					if tensor.PairIndex(r, s) > pq {
						continue
					}
					if v := f.ERI[Index8(p, q, r, s)]; math.Abs(v) > tol {
						fmt.Fprintf(bw, "%23.16E %4d %4d %4d %4d\n", v, p+1, q+1, r+1, s+1)
					}
				}
			}
		}
	}
	for p := range f.NOrb {
		for q := 0; q <= p; q++ {
			if v := f.H1.At(p, q); math.Abs(v) > tol {
				fmt.Fprintf(bw, "%23.16E %4d %4d %4d %4d\n", v, p+1, q+1, 0, 0)
			}
		}
	}
	fmt.Fprintf(bw, "%23.16E %4d %4d %4d %4d\n", f.ECore, 0, 0, 0, 0)
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Nocc returns the number of doubly occupied orbitals of a closed shell
// reference.
func (f *FCIDUMP) Nocc() (int, error) {
	if f.MS2 != 0 || f.NElec%2 != 0 {
		return 0, errors.Errorf("not closed shell, NELEC %d, MS2 %d", f.NElec, f.MS2)
	}
	nocc := f.NElec / 2
	if nocc <= 0 || nocc >= f.NOrb {
		return 0, errors.Errorf("NELEC %d, NORB %d", f.NElec, f.NOrb)
	}
	return nocc, nil
}

func (f *FCIDUMP) eri(p, q, r, s int) float64 { return f.ERI[Index8(p, q, r, s)] }

// Fock returns F[p,q] = h[p,q] + sum_i 2(pq|ii) - (pi|iq) over the nocc lowest orbitals.
func (f *FCIDUMP) Fock(nocc int) *tensor.Dense {
	fock := f.H1.Copy()
	for p := range f.NOrb {
		for q := range f.NOrb {
			var v float64
			for i := range nocc {
				v += 2*f.eri(p, q, i, i) - f.eri(p, i, i, q)
			}
			fock.Data()[p*f.NOrb+q] += v
		}
	}
	return fock
}

// EHF returns the energy of the determinant occupying the nocc lowest orbitals.
func (f *FCIDUMP) EHF(nocc int) float64 {
	fock := f.Fock(nocc)
	e := f.ECore
	for i := range nocc {
		e += f.H1.At(i, i) + fock.At(i, i)
	}
	return e
}

// ERIs builds the integral container of the active orbitals.
// Frozen orbitals must be occupied, since they are folded into the Fock
// matrix as a core.
func (f *FCIDUMP) ERIs(frozen Frozen) (*ERIs, error) {
	nocc, err := f.Nocc()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	mask, err := frozen.Mask(f.NOrb)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	active := make([]int, 0, f.NOrb)
	var noccActive int
	for i, ok := range mask {
		switch {
		case ok:
			active = append(active, i)
			if i < nocc {
				noccActive++
			}
		case i >= nocc:
			return nil, errors.Wrap(ErrBadFrozen, fmt.Sprintf("orbital %d is virtual", i))
		}
	}
	if noccActive == 0 {
		return nil, errors.Wrap(ErrBadFrozen, "no active occupied orbitals")
	}

	full := f.Fock(nocc)
	nmo := len(active)
	fock := tensor.Zeros(nmo, nmo)
	for k, p := range active {
		for l, q := range active {
			fock.Set(full.At(p, q), k, l)
		}
	}
	get := func(p, q, r, s int) float64 {
		return f.eri(active[p], active[q], active[r], active[s])
	}
	e := fill(fock, noccActive, get)
	e.EHF = f.EHF(nocc)
	e.Frozen = frozen
	e.Source = &Precomputed{vvvv: slabs{t: buildVvvv(noccActive, nmo-noccActive, get)}}
	return e, nil
}

// Reference returns the determinant of the lowest orbitals as a mean field
// reference over an atomic orbital basis made of the FCIDUMP orbitals
// themselves, so that FromAO can run the direct vvvv contraction on it.
func (f *FCIDUMP) Reference() (Reference, *IncoreAO, error) {
	nocc, err := f.Nocc()
	if err != nil {
		return Reference{}, nil, errors.Wrap(err, "")
	}
	ao, err := NewIncoreAO(f.NOrb, f.ERI, nil)
	if err != nil {
		return Reference{}, nil, errors.Wrap(err, "")
	}
	fock := f.Fock(nocc)
	ref := Reference{
		MoCoeff:  tensor.Zeros(f.NOrb, f.NOrb),
		MoEnergy: make([]float64, f.NOrb),
		MoOcc:    make([]float64, f.NOrb),
		ENuc:     f.ECore,
		EHF:      f.EHF(nocc),
		HCore:    f.H1,
	}
	for p := range f.NOrb {
		ref.MoCoeff.Set(1, p, p)
		ref.MoEnergy[p] = fock.At(p, p)
		if p < nocc {
			ref.MoOcc[p] = 2
		}
	}
	return ref, ao, nil
}
