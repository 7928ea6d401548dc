//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Checks every shader library under assets/shaders exports at least one entry point.
func (Build) Shaders() error {
	return buildShaders()
}

// Compiles the testbed binary into bin/.
func (Build) Testbed() error {
	mg.Deps(Build.Shaders)
	if _, err := executeCmd("go", withArgs("build", "-o", "bin/anima-rt", "."), withStream()); err != nil {
		return err
	}
	return nil
}

func buildShaders() error {
	libraries, err := filepath.Glob("assets/shaders/*.rtlib")
	if err != nil {
		return err
	}
	for _, path := range libraries {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		exports := 0
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "export ") {
				exports++
			}
		}
		if exports == 0 {
			return fmt.Errorf("%s has no exports", path)
		}
		fmt.Printf("%s: %d exports\n", path, exports)
	}
	return nil
}

// Runs go mod tidy.
func (Build) Deps() error {
	return tidy()
}
