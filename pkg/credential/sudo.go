package credential

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/awnumar/memguard"
)

// SudoValidator checks secret against the local sudo configuration.
func SudoValidator(ctx context.Context, secret []byte) error {
	input := make([]byte, 0, len(secret)+1)
	input = append(input, secret...)
	input = append(input, '\n')
	defer memguard.WipeBytes(input)

	cmd := exec.CommandContext(ctx, "sudo", "-S", "-k", "-p", "", "-v")
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo validation failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return nil
}
