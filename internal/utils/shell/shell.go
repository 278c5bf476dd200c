// Package shell runs external converter binaries (dtc, simg2img, img2simg,
// ubireader_*, mkfs.ubifs) and streams their output to the debug log. Run
// returns an error when the process cannot be started or exits non-zero;
// it does not check whether the converter wrote any output file.
package shell

import (
	"bufio"
	"fmt"
	"os/exec"

	"github.com/novatek-fw/nvtfwtool/internal/utils/logger"
)

// Run executes name with args, streaming combined stdout/stderr to the
// debug log, and returns an error if the process exits non-zero.
func Run(name string, args ...string) error {
	log := logger.Logger()
	log.Debugf("exec: %s %v", name, args)

	cmd := exec.Command(name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", name, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debugf("%s: %s", name, scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s %v exited: %w", name, args, err)
	}
	return nil
}

// IsAvailable reports whether name can be located on PATH.
func IsAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
