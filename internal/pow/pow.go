// Package pow implements the proof-of-work gate shown to clients before a
// command is spawned for them, and the matching client-side solver.
//
// The server sends Banner followed by a prompt naming a random 16-byte
// alphanumeric prefix and a difficulty d. The client answers with a printable
// string S terminated by '\n' or '\0' such that SHA256(prefix || S) starts
// with d zero bits.
package pow

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"math/bits"
	"math/rand"

	"github.com/pkg/errors"
)

const (
	// PrefixLen is the number of random bytes the client must prepend.
	PrefixLen = 16
	// MaxSolutionLen caps the printable bytes collected from the client.
	MaxSolutionLen = 256

	cancelByte = 0x03
)

// Banner precedes every prompt.
const Banner = "= Proof of Work protection =\r\n" +
	"To launch this challenge, you need to solve a proof-of-work.\r\n" +
	"More details can be found on <https://fcsc.fr/pow>.\r\n"

const (
	successLine = "Thank you for solving our proof-of-work, we hope you had a great time! Launching challenge...\r\n\r\n"
	failureLine = "Wrong proof-of-work, hash starts with only %d bits equal to 0.\r\n"
	promptLine  = "Please provide an ASCII printable string S such that SHA256(%s || S) starts with %d bits equal to 0 (the string concatenation is denoted ||): "
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Challenge is one single-use puzzle.
type Challenge struct {
	Prefix     []byte
	Difficulty uint32
}

// Result describes how a challenge ended.
type Result struct {
	Passed   bool
	Backdoor bool // accepted through the staff bypass, no hash computed
	Aborted  bool // client disconnected or sent Ctrl-C before answering
	Bits     int  // measured leading zero bits, zero when not computed
}

// NewChallenge draws a fresh prefix. The prefix only has to differ between
// sessions so that answers cannot be precomputed; it is not a secret.
func NewChallenge(difficulty uint32) *Challenge {
	prefix := make([]byte, PrefixLen)
	for i := range prefix {
		prefix[i] = alphanumeric[rand.Intn(len(alphanumeric))]
	}
	return &Challenge{Prefix: prefix, Difficulty: difficulty}
}

// Prompt renders the question line, without trailing newline.
func (c *Challenge) Prompt() string {
	return fmt.Sprintf(promptLine, c.Prefix, c.Difficulty)
}

// Check hashes prefix || solution and returns the number of leading zero bits.
func (c *Challenge) Check(solution []byte) int {
	h := sha256.New()
	h.Write(c.Prefix)
	h.Write(solution)
	var sum [sha256.Size]byte
	h.Sum(sum[:0])
	return LeadingZeroBits(sum)
}

// LeadingZeroBits counts zero bits from the most significant bit of sum[0].
func LeadingZeroBits(sum [sha256.Size]byte) int {
	n := 0
	for _, b := range sum {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}

// ReadSolution collects the client's answer one byte at a time so that
// nothing past the terminator is consumed. ok is false when the client
// disconnected or sent Ctrl-C. Bytes outside printable ASCII are dropped and
// do not count towards MaxSolutionLen.
func ReadSolution(r io.Reader) (solution []byte, ok bool, err error) {
	buf := make([]byte, 0, MaxSolutionLen)
	var one [1]byte
	for len(buf) < MaxSolutionLen {
		n, err := r.Read(one[:])
		if n == 0 {
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil, false, nil
			}
			return nil, false, err
		}
		b := one[0]
		if b == cancelByte {
			return nil, false, nil
		}
		// telnet terminates lines with \r\0, netcat with \r\n
		if b == '\n' || b == 0 {
			break
		}
		if b < 0x20 || b >= 0x7f {
			continue
		}
		buf = append(buf, b)
	}
	return trimLineEnd(buf), true, nil
}

func trimLineEnd(b []byte) []byte {
	for len(b) > 0 {
		switch b[len(b)-1] {
		case '\r', '\n', 0:
			b = b[:len(b)-1]
		default:
			return b
		}
	}
	return b
}

// Run prompts the client on rw and validates one answer. backdoor, when not
// empty, is accepted verbatim without hashing. An error is only returned for
// I/O failures; a wrong or missing answer is reported through Result.
func (c *Challenge) Run(rw io.ReadWriter, backdoor string) (Result, error) {
	if _, err := io.WriteString(rw, Banner); err != nil {
		return Result{}, errors.Wrap(err, "write banner")
	}
	if _, err := io.WriteString(rw, c.Prompt()); err != nil {
		return Result{}, errors.Wrap(err, "write prompt")
	}
	solution, ok, err := ReadSolution(rw)
	if err != nil {
		return Result{}, errors.Wrap(err, "read solution")
	}
	if !ok {
		return Result{Aborted: true}, nil
	}
	if backdoor != "" && subtle.ConstantTimeCompare([]byte(backdoor), solution) == 1 {
		return Result{Passed: true, Backdoor: true}, nil
	}
	measured := c.Check(solution)
	if measured < int(c.Difficulty) {
		if _, err := fmt.Fprintf(rw, failureLine, measured); err != nil {
			return Result{Bits: measured}, errors.Wrap(err, "write verdict")
		}
		return Result{Bits: measured}, nil
	}
	if _, err := io.WriteString(rw, successLine); err != nil {
		return Result{Passed: true, Bits: measured}, errors.Wrap(err, "write verdict")
	}
	return Result{Passed: true, Bits: measured}, nil
}

// Run issues a fresh challenge of the given difficulty on rw and reports
// whether the client proved work or matched backdoor.
func Run(rw io.ReadWriter, difficulty uint32, backdoor string) (bool, error) {
	res, err := NewChallenge(difficulty).Run(rw, backdoor)
	return res.Passed, err
}
