package cli

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

var errMismatch = errors.New("passwords do not match")

// readSecret prints prompt and reads a line without echo. The caller must
// wipe the result.
func (a *App) readSecret(prompt string) ([]byte, error) {
	if _, err := fmt.Fprint(a.out, prompt+": "); err != nil {
		return nil, err
	}
	pw, err := readPassword(a.fd)
	fmt.Fprintln(a.out)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(prompt), err)
	}
	return pw, nil
}

// readNewSecret asks for a secret twice and requires both to match.
func (a *App) readNewSecret(prompt string) ([]byte, error) {
	first, err := a.readSecret(prompt)
	if err != nil {
		return nil, err
	}
	second, err := a.readSecret("Repeat " + strings.ToLower(prompt))
	if err != nil {
		common.WipeByteArray(first)
		return nil, err
	}
	defer common.WipeByteArray(second)
	if !bytes.Equal(first, second) {
		common.WipeByteArray(first)
		return nil, errMismatch
	}
	return first, nil
}

// readLines reads non-empty trimmed lines from r until EOF.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
