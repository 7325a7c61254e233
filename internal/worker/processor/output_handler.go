package processor

import (
	"context"
	"os"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
	"framefarm/internal/util"
)

// OutputHandler moves rendered frames into storage, registers them as
// assets and links them to their job_frames row.
type OutputHandler struct {
	db           DB
	sp           ports.StorageProvider
	cleanupLocal bool
	log          *logger.Logger
}

var _ ports.ResultSink = (*OutputHandler)(nil)

func NewOutputHandler(db DB, sp ports.StorageProvider, cleanupLocal bool, log *logger.Logger) *OutputHandler {
	return &OutputHandler{db: db, sp: sp, cleanupLocal: cleanupLocal, log: log.WithComponent("output")}
}

func (oh *OutputHandler) UploadResult(ctx context.Context, r ports.ResultUpload) error {
	assetID, err := oh.registerAsset(ctx, r)
	if err != nil {
		return err
	}
	// The status row may not exist yet; create it already Finished.
	_, err = oh.db.Exec(ctx,
		`INSERT INTO job_frames (job_id, frame, status, output_asset_id, updated_at)
		 VALUES ($1,$2,'Finished',$3,NOW())
		 ON CONFLICT (job_id, frame) DO UPDATE SET output_asset_id=EXCLUDED.output_asset_id, updated_at=NOW()`,
		r.JobID, r.Frame, assetID,
	)
	if err != nil {
		return errors.Wrapf(err, "output.link", "job %s frame %d", r.JobID, r.Frame)
	}
	oh.log.WithJobID(r.JobID).WithFrame(r.Frame).Debug("frame stored", "asset_id", assetID)
	return nil
}

func (oh *OutputHandler) registerAsset(ctx context.Context, r ports.ResultUpload) (string, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return "", errors.Wrap(err, "output.open", r.Path)
	}
	defer f.Close()

	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	mime := MimeFromPath(r.Path)

	uploaded, err := oh.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   FrameObjectKey(r.JobID, r.Path),
		ContentType: mime,
		Reader:      f,
		Size:        size,
	})
	if err != nil {
		return "", errors.Wrap(err, "output.upload", r.Path)
	}

	assetID := util.NewID("ast")
	_, err = oh.db.Exec(ctx,
		`INSERT INTO assets (id, kind, provider, object_key, mime, size_bytes)
		 VALUES ($1,'frame',$2,$3,$4,$5)`,
		assetID, oh.sp.Provider(), uploaded.ObjectKey, mime, uploaded.Size,
	)
	if err != nil {
		return "", errors.Wrap(err, "output.register", "insert asset")
	}

	if oh.cleanupLocal {
		f.Close()
		_ = os.Remove(r.Path)
	}
	return assetID, nil
}
