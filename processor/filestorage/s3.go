package filestorage

import (
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// AWSS3 mirrors completed artifacts to an S3 bucket. Intended for
// export-template archives that should survive the local machine.
type AWSS3 struct {
	bucket   string
	uploader *s3manager.Uploader
	S3Client *s3.S3
}

// NewAWSS3 returns an S3 backend for the given region and bucket, or
// nil if no AWS session could be established.
func NewAWSS3(region string, bucket string) *AWSS3 {
	s3Session, err := session.NewSession(&aws.Config{
		Region: aws.String(region)})
	if err != nil {
		return nil
	}

	return &AWSS3{
		bucket:   bucket,
		uploader: s3manager.NewUploader(s3Session),
		S3Client: s3.New(s3Session),
	}
}

// StoreFile uploads srcpath to the bucket and then deletes srcpath
func (b AWSS3) StoreFile(srcpath string, destpath string) error {
	f, err := os.Open(srcpath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = b.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(destpath),
		Body:   f,
	})
	if err != nil {
		return err
	}

	return os.Remove(srcpath)
}

// DeleteFile deletes destpath from the bucket
func (b AWSS3) DeleteFile(destpath string) error {
	_, err := b.S3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(destpath),
	})
	return err
}

// FileExists returns true if the object exists, false otherwise
func (b AWSS3) FileExists(destpath string) bool {
	_, err := b.S3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(destpath),
	})
	return err == nil
}
