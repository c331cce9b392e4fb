package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/born-ml/born/tensor"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/born-ml/camtrap/internal/cct"
	"github.com/born-ml/camtrap/internal/checkpoint"
	"github.com/born-ml/camtrap/internal/classifier"
	"github.com/born-ml/camtrap/internal/registry"
	"github.com/born-ml/camtrap/internal/serve"
	"github.com/born-ml/camtrap/internal/store"
	"github.com/born-ml/camtrap/internal/train"
)

func runIndex(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	common := addCommonFlags(fs)
	split := fs.String("split", cct.SplitTrain, "split to load: train, val or test")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := common.load()
	if err != nil {
		return err
	}
	defer e.close()

	ds, err := e.openSplit(*split, nil)
	if err != nil {
		return err
	}

	stats := ds.Stats()
	fmt.Printf("%s/%s\n", ds.Variant.Name, ds.Split)
	fmt.Printf("  records:  %d\n", stats.Total)
	fmt.Printf("  kept:     %d\n", stats.Kept)
	fmt.Printf("  excluded: %d\n", stats.Excluded)
	for _, id := range sortedKeys(stats.ExcludedByCategory) {
		fmt.Printf("    category %d: %d\n", id, stats.ExcludedByCategory[id])
	}
	if rest := ds.Rest(); rest != nil {
		fmt.Printf("  partition: %d selected, %d left out\n", ds.Len(), rest.Len())
	}

	names := ds.ClassNames()
	counts := ds.Index().LabelCounts()
	fmt.Printf("  classes:  %d\n", ds.NumClasses())
	for label := int32(0); int(label) < ds.NumClasses(); label++ {
		fmt.Printf("    %3d %-20s %d\n", label, names[label], counts[label])
	}
	return nil
}

func runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	common := addCommonFlags(fs)
	weights := fs.String("weights", "", "checkpoint path or URL (default: the configured weights_init)")
	featOnly := fs.Bool("feature-only", true, "match against the feature extractor only")
	classes := fs.Int("classes", 0, "classifier outputs to match against (default: the checkpoint's head)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := common.load()
	if err != nil {
		return err
	}
	defer e.close()

	location := *weights
	if location == "" {
		cc := e.cfg.ClassifierConfig(1)
		if location, err = resolveWeights(cc); err != nil {
			return err
		}
	}
	path, err := e.localPath(ctx, location)
	if err != nil {
		return err
	}
	ck, err := checkpoint.Read(path)
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", location)
	for _, k := range sortedKeys(ck.Metadata) {
		fmt.Printf("  meta %s = %s\n", k, ck.Metadata[k])
	}
	for _, name := range ck.Params.Keys() {
		raw := ck.Params[name]
		fmt.Printf("  %-48s %-8s %v\n", name, raw.DType(), raw.Shape())
	}

	numClasses := *classes
	if numClasses == 0 {
		numClasses = 1
		if bias, ok := ck.Params["classifier.bias"]; ok {
			numClasses = bias.Shape()[0]
		}
	}
	cc := e.cfg.ClassifierConfig(numClasses)
	cc.NumClasses = numClasses
	cc.WeightsInit = classifier.WeightsNone
	model, err := registry.NewModel(ctx, e.cfg.Model.Name, cc, cpu.New(), nil, e.logger)
	if err != nil {
		return err
	}
	rep, err := model.Load(ctx, path, *featOnly)
	if err != nil {
		return err
	}

	fmt.Printf("applied %d, missing %d, unused %d\n", len(rep.Applied), len(rep.Missing), len(rep.Unused))
	for _, name := range rep.Missing {
		fmt.Printf("  missing %s\n", name)
	}
	for _, name := range rep.Unused {
		fmt.Printf("  unused  %s\n", name)
	}
	return nil
}

// resolveWeights returns the checkpoint location a classifier built from cc
// would initialise from.
func resolveWeights(cc classifier.Config) (string, error) {
	switch cc.WeightsInit {
	case classifier.WeightsNone, "":
		return "", errors.New("no weights configured, pass -weights")
	case classifier.WeightsImageNet:
		return classifier.ImageNetURL(cc.Depth)
	default:
		return cc.WeightsInit, nil
	}
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	common := addCommonFlags(fs)
	name := fs.String("name", "", "run name recorded in the metrics store")
	epochs := fs.Int("epochs", 0, "override train.epochs")
	teacher := fs.String("teacher", "", "override distill.teacher")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := common.load()
	if err != nil {
		return err
	}
	defer e.close()

	if *epochs > 0 {
		e.cfg.Train.Epochs = *epochs
	}
	if *teacher != "" {
		e.cfg.Distill.Teacher = *teacher
	}
	if *name == "" {
		*name = fmt.Sprintf("%s-r%d", e.cfg.Data.Dataset, e.cfg.Model.Depth)
	}

	if e.cfg.Train.Device == "webgpu" {
		if !webgpu.IsAvailable() {
			e.logger.Warn("WebGPU not available, falling back to CPU")
			return trainOn(ctx, e, *name, cpu.New())
		}
		gpu, err := webgpu.New()
		if err != nil {
			return errors.Wrap(err, "init webgpu")
		}
		defer gpu.Release()
		return trainOn(ctx, e, *name, gpu)
	}
	return trainOn(ctx, e, *name, cpu.New())
}

func trainOn[B tensor.Backend](ctx context.Context, e *env, name string, device B) error {
	trainSet, err := e.openSplit(cct.SplitTrain, nil)
	if err != nil {
		return err
	}
	valSet, err := e.openSplit(cct.SplitVal, trainSet.ClassIndices())
	if err != nil {
		return err
	}

	backend := autodiff.New(device)
	cc := e.cfg.ClassifierConfig(trainSet.NumClasses())
	model, err := registry.NewModel(ctx, e.cfg.Model.Name, cc, backend, e.hub(), e.logger)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, e.cfg.Store.Driver, e.cfg.Store.DSN, e.logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	opts := []train.Option[B]{train.WithStore[B](st), train.WithLogger[B](e.logger)}
	if e.cfg.Distill.Teacher != "" {
		tc := cc
		tc.WeightsInit = e.cfg.Distill.Teacher
		tc.InitFeatureOnly = false
		teacher, err := registry.NewModel(ctx, e.cfg.Model.Name, tc, backend, e.hub(), e.logger)
		if err != nil {
			return errors.Wrap(err, "load teacher")
		}
		opts = append(opts, train.WithTeacher(teacher))
	}

	trainer, err := train.New(train.Config{
		Name:         name,
		Dataset:      e.cfg.Data.Dataset,
		Epochs:       e.cfg.Train.Epochs,
		BatchSize:    e.cfg.Train.BatchSize,
		Optimizer:    e.cfg.Train.Optimizer,
		LR:           e.cfg.Train.LR,
		Momentum:     e.cfg.Train.Momentum,
		Seed:         e.cfg.Train.Seed,
		ClassNames:   trainSet.ClassNames(),
		SnapshotPath: e.cfg.Train.Snapshot,
	}, backend, model, opts...)
	if err != nil {
		return err
	}

	res, err := trainer.Fit(ctx, train.FromDataset(trainSet, backend), train.FromDataset(valSet, backend))
	if err != nil {
		return err
	}

	fmt.Printf("run %s\n", res.RunID)
	for _, ep := range res.Epochs {
		marker := ""
		if ep.Best {
			marker = " *"
		}
		fmt.Printf("  epoch %3d  loss %.4f  train %.2f%%  val %.2f%%%s\n",
			ep.Epoch, ep.TrainLoss, ep.TrainAcc*100, ep.ValAcc*100, marker)
	}
	fmt.Printf("best epoch %d (val %.2f%%) saved to %s\n", res.BestEpoch, res.BestScore*100, e.cfg.Train.Snapshot)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := addCommonFlags(fs)
	weights := fs.String("weights", "", "snapshot to export (default: server.weights)")
	out := fs.String("out", "", "output .born file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("-out is required")
	}
	e, err := common.load()
	if err != nil {
		return err
	}
	defer e.close()

	location := *weights
	if location == "" {
		location = e.cfg.Server.Weights
	}
	model, meta, err := loadSnapshot(ctx, e, location, cpu.New())
	if err != nil {
		return err
	}
	if err := model.Export(*out, meta); err != nil {
		return err
	}

	e.logger.Info("model exported", zap.String("from", location), zap.String("to", *out))
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	common := addCommonFlags(fs)
	weights := fs.String("weights", "", "snapshot to serve (default: server.weights)")
	addr := fs.String("addr", "", "listen address (default: server.addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := common.load()
	if err != nil {
		return err
	}
	defer e.close()

	if *weights != "" {
		e.cfg.Server.Weights = *weights
	}
	if *addr != "" {
		e.cfg.Server.Addr = *addr
	}

	backend := cpu.New()
	model, meta, err := loadSnapshot(ctx, e, e.cfg.Server.Weights, backend)
	if err != nil {
		return err
	}

	if !e.cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := serve.New(model, cct.NewTransform(e.cfg.Data.ImageSize), checkpoint.ClassNames(meta), backend, e.logger)
	srv.SetMaxUploadBytes(e.cfg.Server.MaxUploadBytes)
	httpServer := &http.Server{
		Addr:              e.cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("server starting", zap.String("address", e.cfg.Server.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	e.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func sortedKeys[K int | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
