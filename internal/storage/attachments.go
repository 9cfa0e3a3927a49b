package storage

import (
	"errors"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrUnsupportedType 表示附件类型不在允许范围内。
var ErrUnsupportedType = errors.New("unsupported attachment type")

// MaxAttachmentSize 与请求体上限一致。
const MaxAttachmentSize = 10 << 20 // 10MB

// Store 把附件写到本地磁盘并返回引用路径，消息行里只存引用。
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Dir 返回存储根目录，供路由挂载静态访问。
func (s *Store) Dir() string { return s.dir }

// Save 落盘一个上传文件，按真实内容嗅探类型，文件名随机生成。
// 返回形如 /uploads/<name> 的引用路径。
func (s *Store) Save(fh *multipart.FileHeader) (string, error) {
	if fh.Size > MaxAttachmentSize {
		return "", ErrUnsupportedType
	}
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxAttachmentSize+1))
	if err != nil {
		return "", err
	}
	if len(data) > MaxAttachmentSize {
		return "", ErrUnsupportedType
	}

	mtype := mimetype.Detect(data)
	if !allowed(mtype) {
		return "", ErrUnsupportedType
	}

	name := uuid.NewString() + mtype.Extension()
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", err
	}
	return "/uploads/" + name, nil
}

// allowed 只放行常见媒体与文档类型，按声明的 MIME 前缀判断。
func allowed(mtype *mimetype.MIME) bool {
	mime := mtype.String()
	for _, prefix := range []string{"image/", "video/", "audio/"} {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	switch mime {
	case "application/pdf", "text/plain; charset=utf-8", "text/plain":
		return true
	}
	return false
}
