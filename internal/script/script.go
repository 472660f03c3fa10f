// Package script renders the command script that drives the document engine
// through one revision merge.
//
// The command order and argument lists form the contract with the engine:
// reordering commands or changing an argument count changes the documents the
// engine produces.
package script

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// DefaultFileName is the script file name used when none is configured
const DefaultFileName = "slipsheet-script.bci"

// TempFileSuffix is appended to the historical document's directory to form
// the intermediate page file
const TempFileSuffix = "temp.pdf"

// Stamp placement passed to the engine's Stamp command, after the stamp path
const stampPlacement = `"upperleft","1","1","0","1","1","normal","2","true"`

// Params holds the paths substituted into a merge script
type Params struct {
	Latest     string // incoming revision
	Historical string // historical document folded into
	Current    string // current-set copy that is regenerated
	Stamp      string // stamp document applied to page 1
	Temp       string // intermediate file for the extracted first page
}

// Script is an ordered list of engine commands
type Script []string

// TempPath derives the intermediate page path for a historical document: the
// document's directory with TempFileSuffix appended, without a separator.
func TempPath(historical string) string {
	return filepath.Dir(historical) + TempFileSuffix
}

// Generate builds the merge script for p. Relative paths are made absolute.
func Generate(p Params) (Script, error) {
	abs, err := absolute(p)
	if err != nil {
		return nil, err
	}

	return Script{
		fmt.Sprintf(`Open(%s)`, quote(abs.Historical)),
		`Unflatten()`,
		fmt.Sprintf(`PageExtract("1",%s)`, quote(abs.Temp)),
		fmt.Sprintf(`InsertPages("0",%s)`, quote(abs.Temp)),
		fmt.Sprintf(`ReplacePages (%s,"1","1","true")`, quote(abs.Latest)),
		fmt.Sprintf(`Stamp (%s,%s)`, quote(abs.Stamp), stampPlacement),
		fmt.Sprintf(`DeleteFile(%s)`, quote(abs.Temp)),
		`Flatten()`,
		fmt.Sprintf(`DeleteFile(%s)`, quote(abs.Current)),
		fmt.Sprintf(`PageExtract("1",%s)`, quote(abs.Current)),
		`Save()`,
		`Close()`,
	}, nil
}

// String renders the script with the host line separator
func (s Script) String() string {
	sep := lineSeparator()
	return strings.Join(s, sep) + sep
}

// WriteFile writes the script to path, replacing any previous script
func (s Script) WriteFile(fs billy.Basic, path string) error {
	if err := util.WriteFile(fs, path, []byte(s.String()), 0644); err != nil {
		return fmt.Errorf("failed to write script %s: %w", path, err)
	}
	return nil
}

func absolute(p Params) (Params, error) {
	fields := []*string{&p.Latest, &p.Historical, &p.Current, &p.Stamp, &p.Temp}
	for _, f := range fields {
		if *f == "" {
			return Params{}, fmt.Errorf("script parameter missing: %+v", p)
		}
		abs, err := filepath.Abs(*f)
		if err != nil {
			return Params{}, fmt.Errorf("failed to resolve %s: %w", *f, err)
		}
		*f = abs
	}
	return p, nil
}

func quote(s string) string {
	return `"` + s + `"`
}

func lineSeparator() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}
