package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

// UploadFileFromReader stores the contents of r in the server's image folders and
// returns the name the server chose for it.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	// Create a buffer to store the request body
	var requestBody bytes.Buffer

	// Create a multipart writer to wrap the file (like FormData)
	writer := multipart.NewWriter(&requestBody)

	// Create a form-file for the image and copy the image data into it
	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(formFile, r)
	if err != nil {
		return "", err
	}

	_ = writer.WriteField("overwrite", fmt.Sprintf("%v", overwrite))
	_ = writer.WriteField("type", fmt.Sprintf("%v", filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}

	// Close the writer to finalize the body content
	writer.Close()

	resp, err := c.do(ctx, http.MethodPost, "/upload/image", writer.FormDataContentType(), &requestBody)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", statusError(resp, body)
	}

	var data struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	if data.Name == "" {
		return "", fmt.Errorf("invalid response format")
	}

	// the server may rename the file; callers must reference the returned name
	if data.Subfolder != "" {
		return data.Subfolder + "/" + data.Name, nil
	}
	return data.Name, nil
}

// UploadFileFromPath uploads a local file under its base name.
func (c *ComfyClient) UploadFileFromPath(ctx context.Context, filePath string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return c.UploadFileFromReader(ctx, file, filepath.Base(filePath), overwrite, filetype, subfolder)
}
