package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// asciiPlot draws a crude vertical bar chart of values scaled to their maximum.
func asciiPlot(values []float64) {
	const height = 10 // number of text rows
	n := len(values)
	if n == 0 {
		fmt.Println("no data to plot")
		return
	}
	top := floats.Max(values)
	if top <= 0 {
		top = 1
	}
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		for _, v := range values {
			if v/top >= threshold {
				fmt.Print("█")
			} else {
				fmt.Print(" ")
			}
		}
		fmt.Println()
	}
	fmt.Println(strings.Repeat("─", n))
	for i := range values {
		if i%5 == 0 {
			fmt.Print(strconv.Itoa(i % 10))
		} else {
			fmt.Print(" ")
		}
	}
	fmt.Println()
}

// trainLog appends one CSV row per epoch.
type trainLog struct {
	f *os.File
	w *csv.Writer
}

func newTrainLog(path string, header ...string) (*trainLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create training log: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	return &trainLog{f: f, w: w}, nil
}

func (l *trainLog) Row(vals ...float64) error {
	rec := make([]string, len(vals))
	for i, v := range vals {
		rec[i] = strconv.FormatFloat(v, 'g', 6, 64)
	}
	if err := l.w.Write(rec); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *trainLog) Close() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// writeCorpus writes one space-joined sequence per line.
func writeCorpus(w io.Writer, corpus [][]string) error {
	bw := bufio.NewWriter(w)
	for _, toks := range corpus {
		if _, err := bw.WriteString(strings.Join(toks, " ") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
