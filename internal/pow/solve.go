package pow

import (
	"context"
	"regexp"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var promptRe = regexp.MustCompile(`SHA256\(([[:alnum:]]{16}) \|\| S\) starts with (\d+) bits equal to 0`)

// ParsePrompt extracts the challenge from text received from a server.
func ParsePrompt(text string) (*Challenge, bool) {
	m := promptRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	d, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return nil, false
	}
	return &Challenge{Prefix: []byte(m[1]), Difficulty: uint32(d)}, true
}

var errFound = errors.New("solution found")

// Solve brute-forces a printable answer to c using workers goroutines.
// Candidates are base-36 renderings of a counter, interleaved across workers.
func Solve(ctx context.Context, c *Challenge, workers int) ([]byte, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, ctx := errgroup.WithContext(ctx)
	found := make(chan []byte, workers)
	for w := 0; w < workers; w++ {
		start := uint64(w)
		g.Go(func() error {
			buf := make([]byte, 0, 16)
			for i, n := 0, start; ; i, n = i+1, n+uint64(workers) {
				if i%4096 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				buf = strconv.AppendUint(buf[:0], n, 36)
				if c.Check(buf) >= int(c.Difficulty) {
					found <- append([]byte(nil), buf...)
					return errFound
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, errFound) {
		return <-found, nil
	}
	return nil, err
}
