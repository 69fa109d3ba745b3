// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package shader

import (
	"fmt"

	"github.com/gogpu/naga/msl"
)

// MSL translates the linked program to Metal Shading Language.
func (p *Program) MSL() (string, error) {
	if p.module == nil {
		return "", fmt.Errorf("shader: program %q has not been validated", p.Kernel)
	}
	src, _, err := msl.Compile(p.module, msl.DefaultOptions())
	if err != nil {
		return "", fmt.Errorf("shader: translating %q to MSL: %w", p.Kernel, err)
	}
	return src, nil
}
