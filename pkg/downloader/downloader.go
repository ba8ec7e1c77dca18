package downloader

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Overridable for testing through HUGGINGFACE_API_URL and HUGGINGFACE_CDN_URL.
var (
	huggingFaceAPI = "https://huggingface.co/api/models/"
	huggingFaceCDN = "https://huggingface.co/" // Base URL for direct file downloads
)

func init() {
	if apiURL := os.Getenv("HUGGINGFACE_API_URL"); apiURL != "" {
		huggingFaceAPI = apiURL
	}
	if cdnURL := os.Getenv("HUGGINGFACE_CDN_URL"); cdnURL != "" {
		huggingFaceCDN = cdnURL
	}
}

// ErrNoCaffeModel is returned when a repository lacks a network definition or weights.
var ErrNoCaffeModel = errors.New("no Caffe model found")

// ModelSource defines the interface for a model source, such as HuggingFace.
type ModelSource interface {
	// DownloadModel downloads the Caffe files of modelID into destination.
	DownloadModel(modelID string, destination string) (*DownloadResult, error)
}

// DownloadResult contains the paths to the downloaded files. MeanPath is empty when
// the model ships no mean image.
type DownloadResult struct {
	NetPath     string
	WeightsPath string
	MeanPath    string
}

// Downloader handles the overall download process using a ModelSource.
type Downloader struct {
	source ModelSource
}

// NewDownloader creates a new Downloader with the given ModelSource.
func NewDownloader(source ModelSource) *Downloader {
	return &Downloader{source: source}
}

// Download fetches a model using the configured ModelSource.
func (d *Downloader) Download(modelID string, destination string) (*DownloadResult, error) {
	return d.source.DownloadModel(modelID, destination)
}

// HuggingFaceSource implements ModelSource for the HuggingFace Hub.
type HuggingFaceSource struct {
	client *http.Client
	apiKey string
	// Progress, if set, receives a progress bar for each file.
	Progress io.Writer
}

// NewHuggingFaceSource creates a HuggingFaceSource. An empty apiKey sends anonymous
// requests.
func NewHuggingFaceSource(apiKey string) *HuggingFaceSource {
	return &HuggingFaceSource{
		client: &http.Client{},
		apiKey: apiKey,
	}
}

// HuggingFaceModelInfo is the part of the HuggingFace model API response we use.
type HuggingFaceModelInfo struct {
	ModelID  string `json:"modelId"`
	Siblings []struct {
		RPath string `json:"rfilename"` // Relative path of the file
	} `json:"siblings"`
}

func (h *HuggingFaceSource) get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid URL %s", url)
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s failed", url)
	}
	if resp.StatusCode != http.StatusOK {
		if cerr := resp.Body.Close(); cerr != nil {
			klog.Warningf("closing response body of %s: %v", url, cerr)
		}
		return nil, errors.Errorf("request to %s returned status %s", url, resp.Status)
	}
	return resp, nil
}

// SelectFiles picks the network definition, weights and mean image among the files
// of a repository. A definition with "deploy" in its name is preferred, since
// training definitions carry data layers the converter cannot use.
func SelectFiles(files []string) (net, weights, mean string) {
	for _, f := range files {
		base := strings.ToLower(path.Base(f))
		switch {
		case strings.HasSuffix(base, ".caffemodel"):
			if weights == "" {
				weights = f
			}
		case strings.HasSuffix(base, ".prototxt"):
			if strings.Contains(base, "solver") {
				continue
			}
			if net == "" || (strings.Contains(base, "deploy") && !strings.Contains(strings.ToLower(path.Base(net)), "deploy")) {
				net = f
			}
		case strings.HasSuffix(base, ".binaryproto"):
			if mean == "" {
				mean = f
			}
		}
	}
	return net, weights, mean
}

// DownloadModel downloads the network definition, weights and mean image of modelID.
func (h *HuggingFaceSource) DownloadModel(modelID string, destination string) (result *DownloadResult, err error) {
	apiURL := huggingFaceAPI + modelID
	resp, err := h.get(apiURL)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to fetch model info from HuggingFace API")
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close response body for %s", apiURL)
		}
	}()

	var modelInfo HuggingFaceModelInfo
	if err = json.NewDecoder(resp.Body).Decode(&modelInfo); err != nil {
		return nil, errors.Wrap(err, "failed to decode HuggingFace API response")
	}
	files := make([]string, len(modelInfo.Siblings))
	for i, s := range modelInfo.Siblings {
		files[i] = s.RPath
	}

	netFile, weightsFile, meanFile := SelectFiles(files)
	if netFile == "" || weightsFile == "" {
		return nil, errors.Wrapf(ErrNoCaffeModel, "model %s needs a .prototxt and a .caffemodel", modelID)
	}

	result = &DownloadResult{}
	for _, f := range []struct {
		rPath string
		dst   *string
	}{
		{netFile, &result.NetPath},
		{weightsFile, &result.WeightsPath},
		{meanFile, &result.MeanPath},
	} {
		if f.rPath == "" {
			continue
		}
		local := filepath.Join(destination, filepath.Base(f.rPath))
		downloadURL := strings.TrimSuffix(huggingFaceCDN, "/") + "/" + modelID + "/resolve/main/" + f.rPath
		if err = h.downloadFile(downloadURL, local); err != nil {
			return nil, errors.WithMessagef(err, "failed to download %s", f.rPath)
		}
		*f.dst = local
	}
	return result, nil
}

// downloadFile downloads a single file from a URL to a local path.
func (h *HuggingFaceSource) downloadFile(url, filePath string) (err error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	resp, err := h.get(url)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close response body for %s", url)
		}
	}()

	//nolint:gosec // G304: destination is chosen by the user
	out, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %s", filePath)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close file %s", filePath)
		}
	}()

	var dst io.Writer = out
	if h.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(h.Progress),
			progressbar.OptionSetDescription(filepath.Base(filePath)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		dst = io.MultiWriter(out, bar)
	}
	if _, err = io.Copy(dst, resp.Body); err != nil {
		return errors.Wrapf(err, "failed to write file %s", filePath)
	}
	klog.V(1).Infof("downloaded %s to %s", url, filePath)
	return nil
}
