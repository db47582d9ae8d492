package yaml

import (
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is the version of the document envelope, not of the state it carries.
const CurrentSchemaVersion = 1

const (
	FileTypeWorkspaceState = "workspace_state"
	FileTypeSnapshot       = "snapshot"
)

var validFileTypes = map[string]bool{
	FileTypeWorkspaceState: true,
	FileTypeSnapshot:       true,
}

type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// Header returns the header every document of fileType is written with.
func Header(fileType string) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

// ValidateSchemaHeader checks the envelope of a document. An empty expectedFileType accepts
// any known type.
func ValidateSchemaHeader(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	switch {
	case header.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	case header.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	case header.FileType == "":
		return fmt.Errorf("missing file_type")
	case !validFileTypes[header.FileType]:
		return fmt.Errorf("unknown file_type: %q", header.FileType)
	case expectedFileType != "" && header.FileType != expectedFileType:
		return fmt.Errorf("file_type mismatch: got %q, expected %q", header.FileType, expectedFileType)
	}
	return nil
}
