package client

import (
	"bufio"
	"io"
)

// ReadLines feeds every line of r into out and closes out at end of input.
// It blocks on r for as long as r stays open; on a terminal that is the whole
// process lifetime.
func ReadLines(r io.Reader, out chan<- string) error {
	defer close(out)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	return scanner.Err()
}
