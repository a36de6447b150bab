/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package blobstore

// BackendType identifies the object storage backend.
type BackendType string

const (
	// BackendS3 uses Amazon S3 or S3-compatible storage (e.g. MinIO).
	BackendS3 BackendType = "s3"
	// BackendGCS uses Google Cloud Storage.
	BackendGCS BackendType = "gcs"
	// BackendAzure uses Azure Blob Storage.
	BackendAzure BackendType = "azure"
)

// S3Config contains S3-specific settings.
type S3Config struct {
	// Region is the AWS region.
	Region string
	// Endpoint is an optional custom endpoint (for MinIO / S3-compatible).
	Endpoint string
	// AccessKeyID is the AWS access key (optional, uses IAM if not set).
	AccessKeyID string
	// SecretAccessKey is the AWS secret key (optional, uses IAM if not set).
	SecretAccessKey string
	// UsePathStyle forces path-style addressing (required for MinIO).
	UsePathStyle bool
}

// GCSConfig contains GCS-specific settings.
type GCSConfig struct {
	// CredentialsJSON contains the service account key JSON (optional, uses ADC if not set).
	CredentialsJSON []byte
}

// AzureConfig contains Azure Blob Storage-specific settings.
type AzureConfig struct {
	// AccountName is the Azure Storage account name.
	AccountName string
	// AccountKey is the storage account key (optional, uses DefaultAzureCredential if not set).
	AccountKey string
}
