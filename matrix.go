// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mlpack

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// ReadMatrix parses a numeric matrix with one row per line, columns
// separated by whitespace or commas. Blank lines and lines beginning
// with '#' are skipped. Every row must have the same width.
func ReadMatrix(r io.Reader) ([][]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	var rows [][]float64
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
		vals := make([]float64, 0, len(fields))
		for _, field := range fields {
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("line %d: bad value %q", lineno, field))
			}
			vals = append(vals, v)
		}
		if len(vals) == 0 {
			continue
		}
		if len(rows) > 0 && len(vals) != len(rows[0]) {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("line %d: %d columns, want %d", lineno, len(vals), len(rows[0])))
		}
		rows = append(rows, vals)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadMatrixFile reads a matrix from path, which may name any
// filesystem grailfile supports.
func ReadMatrixFile(ctx context.Context, path string) ([][]float64, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	rows, err := ReadMatrix(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("readmatrix %s", path), err)
	}
	return rows, nil
}
