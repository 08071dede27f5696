package raster

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

func init() {
	Register(".asc", OpenASCII)
	Register(".asc.gz", OpenASCII)
}

// OpenASCII loads an ESRI ASCII grid (optionally gzipped) into memory.
// The grid is assumed to be in longitude/latitude.
func OpenASCII(path string) (Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	g, err := ParseASCII(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// ParseASCII reads the ncols/nrows/xll/yll/cellsize/NODATA_value header
// followed by nrows*ncols values, north row first.
func ParseASCII(r io.Reader) (*Grid, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(bufio.ScanWords)

	header := make(map[string]float64)
	var first string
	for sc.Scan() {
		key := strings.ToLower(sc.Text())
		switch key {
		case "ncols", "nrows", "xllcorner", "yllcorner", "xllcenter", "yllcenter", "cellsize", "nodata_value":
		default:
			first = sc.Text()
		}
		if first != "" {
			break
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("header %s has no value", key)
		}
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", key, err)
		}
		header[key] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for _, k := range []string{"ncols", "nrows", "cellsize"} {
		if _, ok := header[k]; !ok {
			return nil, fmt.Errorf("missing %s header", k)
		}
	}
	cols, rows, cell := int(header["ncols"]), int(header["nrows"]), header["cellsize"]
	if cols <= 0 || rows <= 0 || cell <= 0 {
		return nil, fmt.Errorf("invalid grid %dx%d cellsize %v", cols, rows, cell)
	}

	west, south := header["xllcorner"], header["yllcorner"]
	if v, ok := header["xllcenter"]; ok {
		west = v - cell/2
	}
	if v, ok := header["yllcenter"]; ok {
		south = v - cell/2
	}

	data := make([]float64, 0, cols*rows)
	if first != "" {
		v, err := strconv.ParseFloat(first, 64)
		if err != nil {
			return nil, fmt.Errorf("value 0: %w", err)
		}
		data = append(data, v)
	}
	for len(data) < cols*rows && sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", len(data), err)
		}
		data = append(data, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(data) != cols*rows {
		return nil, fmt.Errorf("expected %d values, got %d", cols*rows, len(data))
	}

	g, err := NewGrid(cols, rows, NorthUp(west, south+float64(rows)*cell, cell, cell), data)
	if err != nil {
		return nil, err
	}
	if v, ok := header["nodata_value"]; ok {
		g.SetNoData(v)
	}
	return g, nil
}
