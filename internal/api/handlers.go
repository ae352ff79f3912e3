package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"mediatoolkit/internal/adapter"
	"mediatoolkit/internal/archive"
	"mediatoolkit/internal/artifact"
	fileutil "mediatoolkit/internal/file"
	"mediatoolkit/internal/ratelimit"
	"mediatoolkit/internal/task"
	"mediatoolkit/internal/upload"
)

// multipartOverhead is added to the upload size limit to cover form fields and boundaries.
const multipartOverhead = 1 << 20

type submitResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

type artifactsResponse struct {
	TaskID    string              `json:"task_id"`
	Artifacts []artifact.Artifact `json:"artifacts"`
}

type qrRequest struct {
	Data            string `json:"data" binding:"required"`
	ErrorCorrection string `json:"error_correction"`
	Size            int    `json:"size"`
	FillColor       string `json:"fill_color"`
	BackColor       string `json:"back_color"`
}

type fetchRequest struct {
	URL string `json:"url" binding:"required"`
}

// Tools names the external conversion binaries.
type Tools struct {
	FFmpeg  string
	Pandoc  string
	Timeout time.Duration
}

// Deps are the collaborators the handlers submit work to.
type Deps struct {
	Runner           *task.Runner
	Artifacts        *artifact.Store
	Validator        *upload.Validator
	Limiter          *ratelimit.Limiter
	Throttle         *rate.Limiter
	UploadDir        string
	Tools            Tools
	HTTPClient       *http.Client
	MaxDownloadBytes int64
	MaxExtractBytes  int64
}

type API struct {
	runner     *task.Runner
	artifacts  *artifact.Store
	validator  *upload.Validator
	limiter    *ratelimit.Limiter
	throttle   *rate.Limiter
	uploadDir  string
	tools      Tools
	download   adapter.DownloadOptions
	maxExtract int64
	maxRequest int64
}

var defaultOutputFormat = map[upload.Class]string{
	upload.ClassVideo:    "mp4",
	upload.ClassAudio:    "mp3",
	upload.ClassDocument: "pdf",
}

func NewAPI(deps Deps) *API {
	if deps.Validator == nil {
		deps.Validator = upload.NewValidator(upload.DefaultMaxSize, nil)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(0, 0)
	}
	return &API{
		runner:     deps.Runner,
		artifacts:  deps.Artifacts,
		validator:  deps.Validator,
		limiter:    deps.Limiter,
		throttle:   deps.Throttle,
		uploadDir:  deps.UploadDir,
		tools:      deps.Tools,
		download:   adapter.DownloadOptions{Client: deps.HTTPClient, MaxBytes: deps.MaxDownloadBytes},
		maxExtract: deps.MaxExtractBytes,
		maxRequest: deps.Validator.MaxSize() + multipartOverhead,
	}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.Health)
	router.GET("/api/progress/:id", a.GetProgress)
	router.GET("/api/artifacts/:id", a.ListArtifacts)
	router.GET("/download/:id", a.Download)
	router.GET("/download/:id/:name", a.DownloadNamed)

	submit := router.Group("/api", Throttle(a.throttle), BodyLimit(a.maxRequest))
	{
		submit.POST("/hash/generate", RateLimit(a.limiter, "hash"), a.GenerateHash)
		submit.POST("/archive/create", RateLimit(a.limiter, "archive"), a.CreateArchive)
		submit.POST("/archive/extract", RateLimit(a.limiter, "archive"), a.ExtractArchive)
		submit.POST("/image/convert", RateLimit(a.limiter, "image"), a.ConvertImage)
		submit.POST("/image/enhance", RateLimit(a.limiter, "image"), a.EnhanceImage)
		submit.POST("/image/filter", RateLimit(a.limiter, "image"), a.FilterImage)
		submit.POST("/encoding/convert", RateLimit(a.limiter, "encoding"), a.ConvertEncoding)
		submit.POST("/qr/generate", RateLimit(a.limiter, "qr"), a.GenerateQR)
		submit.POST("/downloader/fetch", RateLimit(a.limiter, "downloader"), a.Fetch)
		submit.POST("/video/convert", RateLimit(a.limiter, "video"), a.convertWithTool(upload.ClassVideo))
		submit.POST("/audio/convert", RateLimit(a.limiter, "audio"), a.convertWithTool(upload.ClassAudio))
		submit.POST("/document/convert", RateLimit(a.limiter, "document"), a.convertWithTool(upload.ClassDocument))
	}
}

// Health reports liveness and current load.
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"active_tasks": a.runner.ActiveTasks(),
		"busy":         a.runner.IsBusy(),
	})
}

// GetProgress returns the latest record; unknown ids yield the unknown record, not 404.
func (a *API) GetProgress(c *gin.Context) {
	c.JSON(http.StatusOK, a.runner.Query(c.Param("id")))
}

// ListArtifacts returns every output file produced for a task.
func (a *API) ListArtifacts(c *gin.Context) {
	id := c.Param("id")
	list, err := a.artifacts.List(id)
	if err != nil {
		a.artifactError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, artifactsResponse{TaskID: id, Artifacts: list})
}

// Download streams the first output file whose name contains the task id.
func (a *API) Download(c *gin.Context) {
	id := c.Param("id")
	path, err := a.artifacts.Resolve(id)
	if err != nil {
		a.artifactError(c, id, err)
		return
	}
	log.Info().Str("task_id", id).Str("file", filepath.Base(path)).Msg("serving artifact download")
	c.FileAttachment(path, filepath.Base(path))
}

// DownloadNamed streams one specific artifact from the listing.
func (a *API) DownloadNamed(c *gin.Context) {
	id := c.Param("id")
	path, err := a.artifacts.ResolveName(id, c.Param("name"))
	if err != nil {
		a.artifactError(c, id, err)
		return
	}
	log.Info().Str("task_id", id).Str("file", filepath.Base(path)).Msg("serving artifact download")
	c.FileAttachment(path, filepath.Base(path))
}

func (a *API) artifactError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, artifact.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
	case errors.Is(err, artifact.ErrNotFound):
		log.Warn().Str("task_id", id).Msg("artifact not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
	default:
		log.Error().Str("task_id", id).Err(err).Msg("artifact lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "file cannot be downloaded"})
	}
}

// GenerateHash accepts one file and a hash_type.
func (a *API) GenerateHash(c *gin.Context) {
	hashType := strings.ToLower(c.DefaultPostForm("hash_type", "sha256"))
	if _, err := adapter.NewHash(hashType); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fh, ok := a.formFile(c, upload.ClassAny)
	if !ok {
		return
	}
	a.submitUpload(c, fh, func(input string) task.WorkFunc {
		return adapter.Hash(a.artifacts, input, hashType)
	}, "hash generation started")
}

// CreateArchive packs every "files" part into one archive.
func (a *API) CreateArchive(c *gin.Context) {
	format, err := archive.ParseFormat(c.DefaultPostForm("archive_type", "zip"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		a.formError(c, err)
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files uploaded"})
		return
	}
	for _, fh := range files {
		if err := a.validator.ValidateFileHeader(fh, upload.ClassAny); err != nil {
			a.rejectUpload(c, err)
			return
		}
	}

	id := a.runner.NewID()
	inputs := make([]string, 0, len(files))
	for _, fh := range files {
		input, err := a.saveUpload(id, fh)
		if err != nil {
			a.saveFailed(c, id, err)
			return
		}
		inputs = append(inputs, input)
	}
	a.start(c, id, adapter.CreateArchive(a.artifacts, inputs, format, c.PostForm("archive_name")),
		fmt.Sprintf("creating %s archive from %d files", format, len(inputs)))
}

// ExtractArchive unpacks one uploaded archive.
func (a *API) ExtractArchive(c *gin.Context) {
	fh, ok := a.formFile(c, upload.ClassArchive)
	if !ok {
		return
	}
	a.submitUpload(c, fh, func(input string) task.WorkFunc {
		return adapter.ExtractArchive(a.artifacts, input, a.maxExtract)
	}, "archive extraction started")
}

// ConvertImage converts one image, optionally resizing it.
func (a *API) ConvertImage(c *gin.Context) {
	format, err := adapter.ImageFormat(c.DefaultPostForm("format", "png"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	width, errW := optionalInt(c.PostForm("width"))
	height, errH := optionalInt(c.PostForm("height"))
	quality, errQ := optionalInt(c.PostForm("quality"))
	if err := errors.Join(errW, errH, errQ); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "width, height and quality must be non-negative integers"})
		return
	}
	fh, ok := a.formFile(c, upload.ClassImage)
	if !ok {
		return
	}
	opts := adapter.ImageOptions{Format: format, Width: width, Height: height, Quality: quality}
	a.submitUpload(c, fh, func(input string) task.WorkFunc {
		return adapter.Image(a.artifacts, input, opts)
	}, "image conversion started")
}

// EnhanceImage applies brightness, contrast, saturation and sharpness factors.
func (a *API) EnhanceImage(c *gin.Context) {
	opts := adapter.DefaultEnhanceOptions()
	fields := map[string]*float64{
		"brightness": &opts.Brightness,
		"contrast":   &opts.Contrast,
		"saturation": &opts.Saturation,
		"sharpness":  &opts.Sharpness,
	}
	for name, dst := range fields {
		raw := strings.TrimSpace(c.PostForm(name))
		if raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a number"})
			return
		}
		*dst = f
	}
	fh, ok := a.formFile(c, upload.ClassImage)
	if !ok {
		return
	}
	a.submitUpload(c, fh, func(input string) task.WorkFunc {
		return adapter.Enhance(a.artifacts, input, opts)
	}, "image enhancement started")
}

// FilterImage applies one named filter.
func (a *API) FilterImage(c *gin.Context) {
	filter, err := adapter.ParseFilter(c.DefaultPostForm("filter", "none"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fh, ok := a.formFile(c, upload.ClassImage)
	if !ok {
		return
	}
	a.submitUpload(c, fh, func(input string) task.WorkFunc {
		return adapter.ApplyFilter(a.artifacts, input, filter)
	}, fmt.Sprintf("%s filter started", filter))
}

// ConvertEncoding re-encodes a text file into the "encoding" charset.
func (a *API) ConvertEncoding(c *gin.Context) {
	opts := adapter.EncodingOptions{
		Target: c.DefaultPostForm("encoding", "utf-8"),
		Source: c.PostForm("source_encoding"),
	}
	_, target, err := adapter.LookupEncoding(opts.Target)
	if err == nil && opts.Source != "" {
		_, _, err = adapter.LookupEncoding(opts.Source)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fh, ok := a.formFile(c, upload.ClassText)
	if !ok {
		return
	}
	a.submitUpload(c, fh, func(input string) task.WorkFunc {
		return adapter.ConvertEncoding(a.artifacts, input, opts)
	}, "encoding conversion to "+target+" started")
}

// GenerateQR renders a QR code from a JSON body.
func (a *API) GenerateQR(c *gin.Context) {
	var req qrRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid qr request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	opts := adapter.QROptions{
		Content:    req.Data,
		Level:      req.ErrorCorrection,
		Size:       req.Size,
		Foreground: req.FillColor,
		Background: req.BackColor,
	}
	if err := opts.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.start(c, a.runner.NewID(), adapter.QR(a.artifacts, opts), "QR code generation started")
}

// Fetch downloads a remote file over HTTP.
func (a *API) Fetch(c *gin.Context) {
	var req fetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid fetch request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if _, err := adapter.ParseDownloadURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an absolute http or https address"})
		return
	}
	a.start(c, a.runner.NewID(), adapter.Download(a.artifacts, req.URL, a.download), "download started")
}

func (a *API) convertWithTool(class upload.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		format := strings.ToLower(strings.TrimPrefix(c.DefaultPostForm("output_format", defaultOutputFormat[class]), "."))
		if format == "" || !a.validator.Allowed("out."+format, class) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "output format not supported"})
			return
		}
		fh, ok := a.formFile(c, class)
		if !ok {
			return
		}
		cmd := adapter.FFmpeg(a.tools.FFmpeg, string(class), format, a.tools.Timeout)
		if class == upload.ClassDocument {
			cmd = adapter.Pandoc(a.tools.Pandoc, format, a.tools.Timeout)
		}
		a.submitUpload(c, fh, func(input string) task.WorkFunc {
			return cmd.Run(a.artifacts, input)
		}, fmt.Sprintf("%s conversion to %s started", class, format))
	}
}

// formFile reads and validates the "file" part; on failure the response is already written.
func (a *API) formFile(c *gin.Context, class upload.Class) (*multipart.FileHeader, bool) {
	fh, err := c.FormFile("file")
	if err != nil {
		a.formError(c, err)
		return nil, false
	}
	if err := a.validator.ValidateFileHeader(fh, class); err != nil {
		a.rejectUpload(c, err)
		return nil, false
	}
	return fh, true
}

func (a *API) formError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
}

func (a *API) rejectUpload(c *gin.Context, err error) {
	var rejection *upload.RejectionError
	if errors.As(err, &rejection) {
		log.Warn().Str("reason", rejection.Reason).Str("client_ip", c.ClientIP()).Msg("upload rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": rejection.Reason})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload"})
}

func (a *API) submitUpload(c *gin.Context, fh *multipart.FileHeader, build func(input string) task.WorkFunc, message string) {
	id := a.runner.NewID()
	input, err := a.saveUpload(id, fh)
	if err != nil {
		a.saveFailed(c, id, err)
		return
	}
	a.start(c, id, build(input), message)
}

// saveUpload stores the part as {id}_{filename} in the upload directory.
func (a *API) saveUpload(id string, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = src.Close() }()
	dest := filepath.Join(a.uploadDir, id+"_"+filepath.Base(fh.Filename))
	if _, err := fileutil.CopyAtomic(dest, src); err != nil {
		return "", err //nolint:wrapcheck
	}
	return dest, nil
}

func (a *API) saveFailed(c *gin.Context, id string, err error) {
	log.Error().Str("task_id", id).Err(err).Msg("saving upload failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store upload"})
}

func (a *API) start(c *gin.Context, id string, work task.WorkFunc, message string) {
	if err := a.runner.Start(id, work); err != nil {
		log.Error().Str("task_id", id).Err(err).Msg("task start failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start task"})
		return
	}
	log.Info().Str("task_id", id).Str("path", c.FullPath()).Msg("task submitted")
	c.JSON(http.StatusAccepted, submitResponse{TaskID: id, Message: message})
}

func optionalInt(s string) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}
