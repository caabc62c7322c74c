package storage

import (
	"io"
	"os"
	"path/filepath"
)

// LocalProvider simulates buckets as directories under RootPath. Used for
// development and in package tests.
type LocalProvider struct {
	RootPath string
}

func NewLocalProvider(root string) *LocalProvider {
	_ = os.MkdirAll(root, 0755)
	return &LocalProvider{RootPath: root}
}

func (l *LocalProvider) Get(bucket, key string) (*FileObject, error) {
	path := filepath.Join(l.RootPath, bucket, key)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &FileObject{
		Body:          f,
		ContentLength: stat.Size(),
		ContentType:   "application/octet-stream",
		LastModified:  stat.ModTime(),
	}, nil
}

func (l *LocalProvider) Put(bucket, key string, body io.ReadSeeker, contentType, cacheControl string) error {
	path := filepath.Join(l.RootPath, bucket, key)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, body)
	return err
}

func (l *LocalProvider) Delete(bucket, key string) error {
	return os.Remove(filepath.Join(l.RootPath, bucket, key))
}

func (l *LocalProvider) Exists(bucket, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(l.RootPath, bucket, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
