package huggingface

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"

	"opmsync/internal/types"
)

const (
	UploadModeRegular = "regular"
	UploadModeLFS     = "lfs"

	lfsContentType = "application/vnd.git-lfs+json"
	sampleSize     = 512
)

type preuploadFile struct {
	Path   string `json:"path"`
	Sample string `json:"sample"`
	Size   int64  `json:"size"`
}

type preuploadRequest struct {
	Files []preuploadFile `json:"files"`
}

type preuploadResponse struct {
	Files []struct {
		Path         string `json:"path"`
		UploadMode   string `json:"uploadMode"`
		ShouldIgnore bool   `json:"shouldIgnore"`
	} `json:"files"`
}

type lfsObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsBatchRequest struct {
	Operation string      `json:"operation"`
	Transfers []string    `json:"transfers"`
	Objects   []lfsObject `json:"objects"`
	HashAlgo  string      `json:"hash_algo"`
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchResponse struct {
	Objects []struct {
		OID     string `json:"oid"`
		Size    int64  `json:"size"`
		Actions *struct {
			Upload *lfsAction `json:"upload"`
			Verify *lfsAction `json:"verify"`
		} `json:"actions"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"objects"`
}

type multipartPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type multipartCompletion struct {
	OID   string          `json:"oid"`
	Parts []multipartPart `json:"parts"`
}

type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type commitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type commitFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type commitLFSFile struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type CommitInfo struct {
	CommitURL string `json:"commitUrl"`
	CommitOID string `json:"commitOid"`
}

type localFile struct {
	path   string
	size   int64
	sha256 string
	sample []byte
}

// UploadFile uploads localPath as pathInRepo on the main branch of a dataset
// in a single commit.
func (c *Client) UploadFile(
	ctx context.Context,
	repoID, localPath, pathInRepo, summary string,
) (*CommitInfo, error) {
	log := c.log.Function("UploadFile")

	file, err := inspectFile(localPath)
	if err != nil {
		return nil, log.Err("failed to inspect upload file", err, "path", localPath)
	}

	mode, err := c.preupload(ctx, repoID, pathInRepo, file)
	if err != nil {
		return nil, log.Err("preupload check failed", err, "repoID", repoID)
	}

	log.Info("Uploading file",
		"repoID", repoID,
		"path", pathInRepo,
		"size", file.size,
		"mode", mode)

	var operation commitLine
	switch mode {
	case UploadModeLFS:
		if err := c.uploadLFS(ctx, repoID, file); err != nil {
			return nil, log.Err("lfs upload failed", err, "repoID", repoID)
		}
		operation = commitLine{Key: "lfsFile", Value: commitLFSFile{
			Path: pathInRepo,
			Algo: "sha256",
			OID:  file.sha256,
			Size: file.size,
		}}
	default:
		content, err := os.ReadFile(file.path)
		if err != nil {
			return nil, log.Err("failed to read upload file", err, "path", localPath)
		}
		operation = commitLine{Key: "file", Value: commitFile{
			Path:     pathInRepo,
			Content:  base64.StdEncoding.EncodeToString(content),
			Encoding: "base64",
		}}
	}

	info, err := c.commit(ctx, repoID, summary, operation)
	if err != nil {
		return nil, log.Err("commit failed", err, "repoID", repoID)
	}

	log.Info("Upload committed", "repoID", repoID, "commit", info.CommitOID)
	return info, nil
}

func (c *Client) preupload(
	ctx context.Context,
	repoID, pathInRepo string,
	file *localFile,
) (string, error) {
	payload, err := json.Marshal(preuploadRequest{Files: []preuploadFile{{
		Path:   pathInRepo,
		Sample: base64.StdEncoding.EncodeToString(file.sample),
		Size:   file.size,
	}}})
	if err != nil {
		return "", err
	}

	body, err := c.doJSON(
		ctx,
		http.MethodPost,
		c.apiURL("datasets", repoID, "preupload", defaultRevision),
		payload,
		http.StatusOK,
	)
	if err != nil {
		return "", err
	}

	var resp preuploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}

	for _, entry := range resp.Files {
		if entry.Path == pathInRepo && entry.UploadMode == UploadModeLFS {
			return UploadModeLFS, nil
		}
	}
	return UploadModeRegular, nil
}

func (c *Client) uploadLFS(ctx context.Context, repoID string, file *localFile) error {
	log := c.log.Function("uploadLFS")

	payload, err := json.Marshal(lfsBatchRequest{
		Operation: "upload",
		Transfers: []string{"basic", "multipart"},
		Objects:   []lfsObject{{OID: file.sha256, Size: file.size}},
		HashAlgo:  "sha256",
	})
	if err != nil {
		return err
	}

	resp, body, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/datasets/%s.git/info/lfs/objects/batch", c.endpoint, repoID),
		body:        payload,
		contentType: lfsContentType,
		header:      map[string]string{"Accept": lfsContentType},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return statusErrorWithBody(resp, body)
	}

	var batch lfsBatchResponse
	if err := json.Unmarshal(body, &batch); err != nil {
		return err
	}
	if len(batch.Objects) != 1 {
		return fmt.Errorf("lfs batch returned %d objects, expected 1", len(batch.Objects))
	}

	object := batch.Objects[0]
	if object.Error != nil {
		return types.KindError(
			types.ErrUploadRejected,
			"lfs object rejected: %d %s",
			object.Error.Code,
			object.Error.Message,
		)
	}
	if object.Actions == nil || object.Actions.Upload == nil {
		log.Info("LFS object already stored", "oid", file.sha256)
		return nil
	}

	upload := object.Actions.Upload
	if _, multipart := upload.Header["chunk_size"]; multipart {
		err = c.uploadMultipart(ctx, upload, file)
	} else {
		err = c.uploadSingle(ctx, upload, file)
	}
	if err != nil {
		return err
	}

	if verify := object.Actions.Verify; verify != nil {
		return c.verifyLFS(ctx, verify, file)
	}
	return nil
}

func (c *Client) uploadSingle(ctx context.Context, action *lfsAction, file *localFile) error {
	resp, body, err := c.do(ctx, request{
		method: http.MethodPut,
		url:    action.Href,
		bodyFunc: func() (io.ReadCloser, int64, error) {
			reader, err := os.Open(file.path)
			return reader, file.size, err
		},
		header: action.Header,
		noAuth: true,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusErrorWithBody(resp, body)
	}
	return nil
}

// uploadMultipart sends the file in chunk_size parts to the numbered part URLs
// and posts the collected etags to the completion href.
func (c *Client) uploadMultipart(ctx context.Context, action *lfsAction, file *localFile) error {
	chunkSize, err := strconv.ParseInt(action.Header["chunk_size"], 10, 64)
	if err != nil || chunkSize <= 0 {
		return fmt.Errorf("invalid multipart chunk size %q", action.Header["chunk_size"])
	}

	partURLs := make(map[int]string, len(action.Header))
	partNumbers := make([]int, 0, len(action.Header))
	for key, href := range action.Header {
		if number, err := strconv.Atoi(key); err == nil {
			partURLs[number] = href
			partNumbers = append(partNumbers, number)
		}
	}
	sort.Ints(partNumbers)

	parts := make([]multipartPart, 0, len(partNumbers))
	for index, number := range partNumbers {
		offset := int64(index) * chunkSize
		length := min(chunkSize, file.size-offset)
		if length <= 0 {
			break
		}

		resp, body, err := c.do(ctx, request{
			method: http.MethodPut,
			url:    partURLs[number],
			bodyFunc: func() (io.ReadCloser, int64, error) {
				return openSection(file.path, offset, length)
			},
			noAuth: true,
		})
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return statusErrorWithBody(resp, body)
		}

		parts = append(parts, multipartPart{PartNumber: number, ETag: resp.Header.Get("ETag")})
	}

	payload, err := json.Marshal(multipartCompletion{OID: file.sha256, Parts: parts})
	if err != nil {
		return err
	}

	resp, body, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         action.Href,
		body:        payload,
		contentType: lfsContentType,
		header:      map[string]string{"Accept": lfsContentType},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusErrorWithBody(resp, body)
	}
	return nil
}

func (c *Client) verifyLFS(ctx context.Context, action *lfsAction, file *localFile) error {
	payload, err := json.Marshal(lfsObject{OID: file.sha256, Size: file.size})
	if err != nil {
		return err
	}

	resp, body, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         action.Href,
		body:        payload,
		contentType: lfsContentType,
		header:      action.Header,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusErrorWithBody(resp, body)
	}
	return nil
}

func (c *Client) commit(
	ctx context.Context,
	repoID, summary string,
	operation commitLine,
) (*CommitInfo, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	lines := []commitLine{
		{Key: "header", Value: commitHeader{Summary: summary}},
		operation,
	}
	for _, line := range lines {
		if err := encoder.Encode(line); err != nil {
			return nil, err
		}
	}

	resp, body, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.apiURL("datasets", repoID, "commit", defaultRevision),
		body:        buffer.Bytes(),
		contentType: "application/x-ndjson",
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusErrorWithBody(resp, body)
	}

	var info CommitInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func inspectFile(path string) (*localFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(file)
	sample, err := reader.Peek(sampleSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	sample = append([]byte(nil), sample...)

	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return nil, err
	}

	return &localFile{
		path:   path,
		size:   info.Size(),
		sha256: hex.EncodeToString(hash.Sum(nil)),
		sample: sample,
	}, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	file *os.File
}

func (s sectionReadCloser) Close() error {
	return s.file.Close()
}

func openSection(path string, offset, length int64) (io.ReadCloser, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	return sectionReadCloser{
		SectionReader: io.NewSectionReader(file, offset, length),
		file:          file,
	}, length, nil
}
