package models

import (
	"fmt"
	"strings"

	"opmsync/internal/types"
)

type DataType int

const (
	Accessions DataType = iota
	Separations
	Employment
)

// AllDataTypes is the canonical ordering used when planning jobs within a month.
var AllDataTypes = []DataType{Accessions, Separations, Employment}

// Monthly raw file size classes in MB, as observed on the source portal.
var expectedSizeMB = map[DataType]int{
	Accessions:  6,
	Separations: 6,
	Employment:  780,
}

// Slug is the stable lowercase token used in dataset names and file names.
func (d DataType) Slug() string {
	switch d {
	case Accessions:
		return "accessions"
	case Separations:
		return "separations"
	case Employment:
		return "employment"
	default:
		return "unknown"
	}
}

// Label is the value shown in the portal's data source selector.
func (d DataType) Label() string {
	switch d {
	case Accessions:
		return "Accessions"
	case Separations:
		return "Separations"
	case Employment:
		return "Employment"
	default:
		return "Unknown"
	}
}

func (d DataType) String() string {
	return d.Slug()
}

func (d DataType) ExpectedSizeMB() int {
	if size, ok := expectedSizeMB[d]; ok {
		return size
	}
	return 10
}

func (d DataType) Valid() bool {
	return d >= Accessions && d <= Employment
}

func ParseDataType(value string) (DataType, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, dataType := range AllDataTypes {
		if dataType.Slug() == normalized {
			return dataType, nil
		}
	}
	return 0, types.KindError(
		types.ErrConfiguration,
		"unknown data type %q, expected one of accessions, separations, employment",
		value,
	)
}

// ParseDataTypes parses a list of data type names, dropping duplicates and
// returning them in canonical order.
func ParseDataTypes(values []string) ([]DataType, error) {
	if len(values) == 0 {
		return nil, types.KindError(types.ErrConfiguration, "no data types requested")
	}

	requested := make(map[DataType]bool, len(values))
	for _, value := range values {
		for part := range strings.SplitSeq(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			dataType, err := ParseDataType(part)
			if err != nil {
				return nil, err
			}
			requested[dataType] = true
		}
	}

	return CanonicalDataTypes(requested), nil
}

// CanonicalDataTypes returns the requested set in canonical order.
func CanonicalDataTypes(requested map[DataType]bool) []DataType {
	ordered := make([]DataType, 0, len(requested))
	for _, dataType := range AllDataTypes {
		if requested[dataType] {
			ordered = append(ordered, dataType)
		}
	}
	return ordered
}

func (d DataType) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid data type %d", int(d))
	}
	return []byte(d.Slug()), nil
}

func (d *DataType) UnmarshalText(text []byte) error {
	parsed, err := ParseDataType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
