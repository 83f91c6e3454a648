package tools

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ecopia-map/cloud_indexer/internal/config"
	"github.com/ecopia-map/cloud_indexer/internal/octree"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

const (
	FlagConfig               = "config"
	FlagProfile              = "profile"
	FlagInput                = "input"
	FlagOutput               = "output"
	FlagTmp                  = "tmp"
	FlagThreads              = "threads"
	FlagForce                = "force"
	FlagTrustHeaders         = "trust-headers"
	FlagBounds               = "bounds"
	FlagSubsetID             = "subset-id"
	FlagSubsetOf             = "subset-of"
	FlagSrsIn                = "srs-in"
	FlagSrsOut               = "srs-out"
	FlagScale                = "scale"
	FlagOffset               = "offset"
	FlagPointsPerChunk       = "points-per-chunk"
	FlagNullDepth            = "null-depth"
	FlagBaseDepth            = "base-depth"
	FlagMaxDepth             = "max-depth"
	FlagStorage              = "storage"
	FlagHierarchyCompression = "hierarchy-compression"
	FlagRun                  = "run"
	FlagSilent               = "silent"
	FlagVerbosity            = "verbosity"
)

func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: FlagSilent, Aliases: []string{"s"}, Usage: "Use to suppress all the non-error messages."},
		&cli.IntFlag{Name: FlagVerbosity, Usage: "glog verbosity `LEVEL` for debug messages."},
	}
}

func outputFlag(usage string) cli.Flag {
	return &cli.StringFlag{Name: FlagOutput, Aliases: []string{"o"}, Usage: usage}
}

func threadsFlag() cli.Flag {
	return &cli.IntSliceFlag{Name: FlagThreads, Aliases: []string{"t"}, Usage: "Total thread count, or a work,clip pair."}
}

func tmpFlag() cli.Flag {
	return &cli.StringFlag{Name: FlagTmp, Usage: "Local `DIR` for copies of remote files."}
}

func subsetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Uint64Flag{Name: FlagSubsetID, Usage: "1 based id of the subset to work on."},
		&cli.Uint64Flag{Name: FlagSubsetOf, Usage: "Total number of subsets, a power of 2."},
	}
}

func reprojectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: FlagSrsIn, Usage: "Input srs, e.g. EPSG:26915. Defaults to the srs declared by each file."},
		&cli.StringFlag{Name: FlagSrsOut, Aliases: []string{"r"}, Usage: "Reproject points into this srs."},
	}
}

func BuildFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{Name: FlagConfig, Aliases: []string{"c"}, Usage: "Load the build configuration from a JSON `FILE`. Flags override its keys."},
		&cli.StringFlag{Name: FlagProfile, Value: string(config.ProfileFull), Usage: "Defaults profile, 'full' or 'shallow'."},
		&cli.StringSliceFlag{Name: FlagInput, Aliases: []string{"i"}, Usage: "Input files, directories, globs ending in /* or /**, or an inference file."},
		outputFlag("Output directory or gs:// location of the index."),
		tmpFlag(),
		threadsFlag(),
		&cli.BoolFlag{Name: FlagForce, Aliases: []string{"f"}, Usage: "Start a new index even if one exists at the output."},
		&cli.BoolFlag{Name: FlagTrustHeaders, Value: true, Usage: "Take bounds and point counts from file headers."},
		&cli.Float64SliceFlag{Name: FlagBounds, Aliases: []string{"b"}, Usage: "Index bounds minx,miny,minz,maxx,maxy,maxz."},
		&cli.Float64SliceFlag{Name: FlagScale, Usage: "Quantize coordinates to this scale, one or three values."},
		&cli.Float64SliceFlag{Name: FlagOffset, Usage: "Offset of the quantization grid, three values."},
		&cli.Uint64Flag{Name: FlagPointsPerChunk, Usage: "Number of points a chunk holds."},
		&cli.UintFlag{Name: FlagNullDepth, Usage: "Depth at which points are first stored."},
		&cli.UintFlag{Name: FlagBaseDepth, Usage: "Depth at which chunks start being written on their own."},
		&cli.UintFlag{Name: FlagMaxDepth, Usage: "Deepest level of the tree."},
		&cli.StringFlag{Name: FlagStorage, Usage: "Chunk compression, 'zstd' or 'none'."},
		&cli.StringFlag{Name: FlagHierarchyCompression, Usage: "Hierarchy compression, 'zstd' or 'none'."},
		&cli.IntFlag{Name: FlagRun, Usage: "Stop after inserting this many files."},
	}
	flags = append(flags, subsetFlags()...)
	return append(flags, reprojectionFlags()...)
}

func InferFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringSliceFlag{Name: FlagInput, Aliases: []string{"i"}, Usage: "Input files, directories or globs."},
		outputFlag("Inference file to write."),
		tmpFlag(),
		threadsFlag(),
		&cli.BoolFlag{Name: FlagTrustHeaders, Value: true, Usage: "Take bounds and point counts from file headers."},
	}
	return append(flags, reprojectionFlags()...)
}

func MergeFlags() []cli.Flag {
	return []cli.Flag{
		outputFlag("Location of the subset builds."),
		tmpFlag(),
		threadsFlag(),
	}
}

func VerifyFlags() []cli.Flag {
	return append([]cli.Flag{outputFlag("Location of the index.")}, subsetFlags()...)
}

// ConfigDocument reads the --config file, if any, and overlays the flags
// the command line sets. The result is decoded by config.Parse.
func ConfigDocument(c *cli.Context) (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	if path := c.String(FlagConfig); path != "" {
		dir, file := storage.Split(path)
		ep, err := storage.Open(c.Context, dir)
		if err != nil {
			return nil, err
		}
		raw, err := ep.Get(c.Context, file)
		if err != nil {
			return nil, errors.Wrap(err, "cannot read configuration")
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errors.Wrapf(err, "invalid configuration %s", path)
		}
	}

	set := func(flag, key string, value func() interface{}) {
		if c.IsSet(flag) {
			doc[key] = value()
		}
	}
	set(FlagInput, "input", func() interface{} { return c.StringSlice(FlagInput) })
	set(FlagOutput, "output", func() interface{} { return c.String(FlagOutput) })
	set(FlagTmp, "tmp", func() interface{} { return c.String(FlagTmp) })
	set(FlagThreads, "threads", func() interface{} { return c.IntSlice(FlagThreads) })
	set(FlagForce, "force", func() interface{} { return c.Bool(FlagForce) })
	set(FlagTrustHeaders, "trustHeaders", func() interface{} { return c.Bool(FlagTrustHeaders) })
	set(FlagBounds, "bounds", func() interface{} { return c.Float64Slice(FlagBounds) })
	set(FlagScale, "scale", func() interface{} { return c.Float64Slice(FlagScale) })
	set(FlagOffset, "offset", func() interface{} { return c.Float64Slice(FlagOffset) })
	set(FlagPointsPerChunk, "pointsPerChunk", func() interface{} { return c.Uint64(FlagPointsPerChunk) })
	set(FlagNullDepth, "nullDepth", func() interface{} { return c.Uint(FlagNullDepth) })
	set(FlagBaseDepth, "baseDepth", func() interface{} { return c.Uint(FlagBaseDepth) })
	set(FlagMaxDepth, "maxDepth", func() interface{} { return c.Uint(FlagMaxDepth) })
	set(FlagStorage, "storage", func() interface{} { return c.String(FlagStorage) })
	set(FlagHierarchyCompression, "hierarchyCompression", func() interface{} { return c.String(FlagHierarchyCompression) })

	if c.IsSet(FlagSubsetID) || c.IsSet(FlagSubsetOf) {
		doc["subset"] = map[string]interface{}{"id": c.Uint64(FlagSubsetID), "of": c.Uint64(FlagSubsetOf)}
	}
	if c.IsSet(FlagSrsIn) || c.IsSet(FlagSrsOut) {
		reprojection, _ := doc["reprojection"].(map[string]interface{})
		if reprojection == nil {
			reprojection = map[string]interface{}{}
		}
		if c.IsSet(FlagSrsIn) {
			reprojection["in"] = c.String(FlagSrsIn)
		}
		if c.IsSet(FlagSrsOut) {
			reprojection["out"] = c.String(FlagSrsOut)
		}
		doc["reprojection"] = reprojection
	}
	return doc, nil
}

// SubsetFromFlags returns nil unless a subset flag is set.
func SubsetFromFlags(c *cli.Context) (*octree.Subset, error) {
	if !c.IsSet(FlagSubsetID) && !c.IsSet(FlagSubsetOf) {
		return nil, nil
	}
	return octree.NewSubset(c.Uint64(FlagSubsetID), c.Uint64(FlagSubsetOf))
}
