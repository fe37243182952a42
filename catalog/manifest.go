package catalog

import (
	"fmt"
	"maps"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/casc/storage"
)

const (
	// ArtifactType identifies build manifests as an OCI 1.1 artifact type.
	ArtifactType = "application/vnd.meigma.casc.build.v1"

	// MediaTypeIndex is the media type of the FlatBuffers index blob.
	MediaTypeIndex = "application/vnd.meigma.casc.index.v1+flatbuffers"

	// MediaTypeData is the media type of the data blob.
	MediaTypeData = "application/vnd.meigma.casc.data.v1"

	// AnnotationBranch records the release channel of a build.
	AnnotationBranch = "io.meigma.casc.branch"
)

// layers returns the index and data descriptors of a build manifest.
func layers(m *ocispec.Manifest) (index, data ocispec.Descriptor, err error) {
	if m.MediaType != "" && m.MediaType != ocispec.MediaTypeImageManifest {
		return index, data, fmt.Errorf("%w: unexpected manifest media type %q", ErrInvalidManifest, m.MediaType)
	}
	if m.ArtifactType != ArtifactType {
		return index, data, fmt.Errorf("%w: unexpected artifact type %q", ErrInvalidManifest, m.ArtifactType)
	}
	var haveIndex, haveData bool
	for _, layer := range m.Layers {
		switch layer.MediaType {
		case MediaTypeIndex:
			index, haveIndex = layer, true
		case MediaTypeData:
			data, haveData = layer, true
		}
	}
	switch {
	case !haveIndex:
		return index, data, fmt.Errorf("%w: missing index layer", ErrInvalidManifest)
	case !haveData:
		return index, data, fmt.Errorf("%w: missing data layer", ErrInvalidManifest)
	}
	if err := validateDescriptor(&index); err != nil {
		return index, data, err
	}
	if err := validateDescriptor(&data); err != nil {
		return index, data, err
	}
	return index, data, nil
}

// buildFromManifest describes the build tagged tag.
func buildFromManifest(tag string, desc ocispec.Descriptor, m *ocispec.Manifest) storage.Build {
	b := storage.Build{
		Name:    tag,
		Key:     desc.Digest.String(),
		Version: m.Annotations[ocispec.AnnotationVersion],
		Branch:  m.Annotations[AnnotationBranch],
	}
	if b.Version == "" {
		b.Version = tag
	}
	if created, ok := m.Annotations[ocispec.AnnotationCreated]; ok {
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			b.Created = t
		}
	}
	return b
}

// buildManifest creates the manifest of a build.
func buildManifest(build storage.Build, configDesc, indexDesc, dataDesc *ocispec.Descriptor, custom map[string]string) ocispec.Manifest {
	annotations := maps.Clone(custom)
	if annotations == nil {
		annotations = make(map[string]string)
	}
	created := build.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	annotations[ocispec.AnnotationCreated] = created.Format(time.RFC3339)
	if build.Version != "" {
		annotations[ocispec.AnnotationVersion] = build.Version
	}
	if build.Branch != "" {
		annotations[AnnotationBranch] = build.Branch
	}

	return ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       *configDesc,
		Layers:       []ocispec.Descriptor{*indexDesc, *dataDesc},
		Annotations:  annotations,
	}
}

// validateDescriptor checks that a descriptor is valid for use.
func validateDescriptor(desc *ocispec.Descriptor) error {
	if desc == nil {
		return fmt.Errorf("%w: descriptor is nil", ErrInvalidDescriptor)
	}
	if desc.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidDescriptor, desc.Size)
	}
	if desc.Digest == "" {
		return fmt.Errorf("%w: empty digest", ErrInvalidDescriptor)
	}
	if err := desc.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: invalid digest %q: %v", ErrInvalidDescriptor, desc.Digest, err)
	}
	return nil
}

// isDigest reports whether s parses as a digest.
func isDigest(s string) bool {
	_, err := digest.Parse(s)
	return err == nil
}
