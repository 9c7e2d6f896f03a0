package pointcloud

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ToPCD writes the cloud to out in ASCII PCD format with x y z fields.
func ToPCD(cloud PointCloud, out io.Writer) error {
	_, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS x y z\n"+
		"SIZE 4 4 4\n"+
		"TYPE F F F\n"+
		"COUNT 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA ascii\n", cloud.Size(), cloud.Size())
	if err != nil {
		return err
	}
	cloud.Iterate(func(p r3.Vector) bool {
		_, err = fmt.Fprintf(out, "%f %f %f\n", p.X, p.Y, p.Z)
		return err == nil
	})
	return err
}

var pcdHeaderFields = []string{
	"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT",
	"WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA",
}

// ReadPCD parses an ASCII PCD stream with x y z fields, as produced by ToPCD.
func ReadPCD(in io.Reader) (PointCloud, error) {
	scanner := bufio.NewScanner(in)
	points := 0
	for _, name := range pcdHeaderFields {
		if !scanner.Scan() {
			return nil, errors.Errorf("incomplete PCD header, expected %s line", name)
		}
		line := strings.TrimSpace(scanner.Text())
		tokens := strings.Fields(line)
		if len(tokens) < 2 || tokens[0] != name {
			return nil, errors.Errorf("malformed PCD header line %q, expected %s", line, name)
		}
		switch name {
		case "FIELDS":
			if len(tokens) != 4 || tokens[1] != "x" || tokens[2] != "y" || tokens[3] != "z" {
				return nil, errors.Errorf("unsupported PCD fields %q, expected x y z", line)
			}
		case "POINTS":
			n, err := strconv.Atoi(tokens[1])
			if err != nil {
				return nil, errors.Wrapf(err, "invalid POINTS value %q", tokens[1])
			}
			points = n
		case "DATA":
			if tokens[1] != "ascii" {
				return nil, errors.Errorf("unsupported PCD data format %q", tokens[1])
			}
		}
	}

	cloud := NewWithPrealloc(points)
	for i := 0; i < points; i++ {
		if !scanner.Scan() {
			return nil, errors.Errorf("expected %d points, got %d", points, i)
		}
		tokens := strings.Fields(scanner.Text())
		if len(tokens) != 3 {
			return nil, errors.Errorf("malformed point line %q", scanner.Text())
		}
		var coords [3]float64
		for j, tok := range tokens {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid coordinate %q", tok)
			}
			coords[j] = v
		}
		cloud.Add(r3.Vector{X: coords[0], Y: coords[1], Z: coords[2]})
	}
	return cloud, scanner.Err()
}
