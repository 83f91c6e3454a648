package collaborators

import (
	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/converters"
	"github.com/ecopia-map/cloud_indexer/internal/reader"
)

// CollaboratorManager hands out the file decoding and reprojection
// strategies a run works with.
type CollaboratorManager interface {
	GetReader() reader.Reader
	GetCoordinateConverterFactory() builder.ConverterFactory
	// Supports reports whether GetReader can decode the file at path
	Supports(path string) bool
}

type StandardCollaboratorManager struct {
	reader reader.Multi
}

// Reads LAS and text files and reprojects through proj4
func NewCollaboratorManager() CollaboratorManager {
	return &StandardCollaboratorManager{reader: reader.Default()}
}

func (m *StandardCollaboratorManager) GetReader() reader.Reader {
	return m.reader
}

func (m *StandardCollaboratorManager) GetCoordinateConverterFactory() builder.ConverterFactory {
	return func(r converters.Reprojection) (converters.CoordinateConverter, error) {
		c, err := converters.NewProj4CoordinateConverter(r)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (m *StandardCollaboratorManager) Supports(path string) bool {
	return m.reader.Supports(path)
}
