/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package s3 implements a MessageStore on top of an S3-compatible object
// storage using minio-go.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/internal/msgstore"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const modName = "msgstore/s3"

type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
	// Prefix is prepended to object names.
	Prefix string
}

type Store struct {
	log log.Logger
	cl  *minio.Client

	bucketName   string
	objectPrefix string
}

func New(cfg Config, logger log.Logger) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%s: endpoint not set", modName)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%s: bucket not set", modName)
	}

	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modName, err)
	}

	return &Store{
		log:          logger,
		cl:           cl,
		bucketName:   cfg.Bucket,
		objectPrefix: cfg.Prefix,
	}, nil
}

// Put spools the content into a temporary file first since the object name
// is the digest of the content and it is known only after reading all of
// it.
func (s *Store) Put(ctx context.Context, body io.Reader) (string, int64, error) {
	f, err := os.CreateTemp("", "mailetd-s3-")
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", modName, err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	h := msgstore.NewHasher()
	if _, err := io.Copy(io.MultiWriter(f, h), body); err != nil {
		return "", 0, fmt.Errorf("%s: %w", modName, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("%s: %w", modName, err)
	}

	ref := h.Ref()
	_, err = s.cl.PutObject(ctx, s.bucketName, s.objectPrefix+ref, f, h.Size(), minio.PutObjectOptions{
		ContentType: "message/rfc822",
	})
	if err != nil {
		return "", 0, fmt.Errorf("%s: PutObject: %w", modName, err)
	}
	return ref, h.Size(), nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func (s *Store) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := msgstore.CheckRef(ref); err != nil {
		return nil, err
	}
	obj, err := s.cl.GetObject(ctx, s.bucketName, s.objectPrefix+ref, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, mail.ErrNotFound
		}
		return nil, fmt.Errorf("%s: GetObject: %w", modName, err)
	}
	// GetObject is lazy, Stat forces the request so missing objects are
	// reported here and not on the first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, mail.ErrNotFound
		}
		return nil, fmt.Errorf("%s: GetObject: %w", modName, err)
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := msgstore.CheckRef(ref); err != nil {
		return err
	}
	err := s.cl.RemoveObject(ctx, s.bucketName, s.objectPrefix+ref, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		s.log.Error("failed to delete object", err, "key", s.objectPrefix+ref)
		return fmt.Errorf("%s: RemoveObject: %w", modName, err)
	}
	return nil
}

var _ mail.MessageStore = (*Store)(nil)

var errNoBucket = errors.New(modName + ": bucket does not exist")

// CheckBucket verifies the bucket is accessible.
func (s *Store) CheckBucket(ctx context.Context) error {
	ok, err := s.cl.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	if !ok {
		return errNoBucket
	}
	return nil
}
