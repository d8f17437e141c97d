package main

import (
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/qvarnlabs/qvarn/core"
	"github.com/qvarnlabs/qvarn/core/access"
	"github.com/qvarnlabs/qvarn/core/api"
	"github.com/qvarnlabs/qvarn/core/blobstore"
	"github.com/qvarnlabs/qvarn/core/csql"
	"github.com/qvarnlabs/qvarn/core/logger"
	"github.com/qvarnlabs/qvarn/core/notifier"
	"github.com/qvarnlabs/qvarn/core/objstore"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=" description:"password for the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=qvarn" description:"the database schema"`
	PostgresMinConn  int    `env:"POSTGRES_MIN_CONN,default=2" description:"minimum idle connections"`
	PostgresMaxConn  int    `env:"POSTGRES_MAX_CONN,default=10" description:"maximum open connections"`
	MemoryDatabase   bool   `env:"MEMORY_DATABASE,default=false" description:"keep all state in memory, for development"`

	Port    string `env:"PORT,default=8080" description:"the port to listen on"`
	BaseURL string `env:"BASE_URL,default=http://localhost:8080" description:"absolute URL prefix for Location headers"`

	ResourceTypeDir                string `env:"RESOURCE_TYPE_DIR,default=" description:"directory with resource type specifications"`
	EnableFineGrainedAccessControl bool   `env:"ENABLE_FINE_GRAINED_ACCESS_CONTROL,default=false"`

	TokenPublicKeyFile string `env:"TOKEN_PUBLIC_KEY_FILE,default=" description:"PEM file with the RSA public key for bearer tokens"`
	TokenIssuer        string `env:"TOKEN_ISSUER,default="`
	TokenAudience      string `env:"TOKEN_AUDIENCE,default="`

	KafkaBrokers string `env:"KAFKA_BROKERS,default=" description:"comma-separated broker list for the notification stream"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=qvarn-notifications"`

	BlobDriver     string `env:"BLOB_DRIVER,default=" description:"external blob driver: Local or AWSS3"`
	BlobLocalPath  string `env:"BLOB_LOCAL_PATH,default="`
	S3AccessID     string `env:"S3_ACCESS_ID,default="`
	S3AccessKey    string `env:"S3_ACCESS_KEY,default="`
	S3Region       string `env:"S3_REGION,default="`
	S3Bucket       string `env:"S3_BUCKET,default="`
	S3KeyPrefix    string `env:"S3_KEY_PREFIX,default="`
	LogLevelString string `env:"LOG_LEVEL,default=info"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logLevel, err := logrus.ParseLevel(service.LogLevelString)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.InitLogger(logLevel)
	rlog := logger.Default()

	store, closeStore := buildStore(service)
	defer closeStore()

	router := mux.NewRouter()
	logger.AddRequestID(router)

	var changeNotifier core.Notifier
	if service.KafkaBrokers != "" {
		kafkaNotifier := notifier.NewKafkaNotifier(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaNotifier.Close()
		changeNotifier = kafkaNotifier
	}

	api.MustNew(&api.Builder{
		Store:                          store,
		Router:                         router,
		BaseURL:                        service.BaseURL,
		Notifier:                       changeNotifier,
		ResourceTypeDir:                service.ResourceTypeDir,
		EnableFineGrainedAccessControl: service.EnableFineGrainedAccessControl,
	})

	var handler http.Handler = router
	if service.TokenPublicKeyFile != "" {
		pem, err := os.ReadFile(service.TokenPublicKeyFile)
		if err != nil {
			panic(err)
		}
		middleware, err := access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
			PublicKeyPEM: string(pem),
			Issuer:       service.TokenIssuer,
			Audience:     service.TokenAudience,
		})
		if err != nil {
			panic(err)
		}
		router.Use(middleware)
	} else {
		rlog.Warningln("TOKEN_PUBLIC_KEY_FILE not set, requests are not authenticated")
	}

	handler = handlers.RecoveryHandler()(handler)
	handler = handlers.CORS(
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Revision", "Qvarn-Access-By"}),
	)(handler)

	rlog.Infoln("listen on port :" + service.Port)
	if err := http.ListenAndServe(":"+service.Port, handler); err != nil {
		panic(err)
	}
}

func buildStore(service *Service) (objstore.Store, func()) {
	if service.MemoryDatabase {
		return objstore.NewMemoryStore(), func() {}
	}
	if service.Postgres == "" {
		panic("POSTGRES must be set unless MEMORY_DATABASE is enabled")
	}
	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
	db.LimitConnections(service.PostgresMinConn, service.PostgresMaxConn)

	var options []objstore.PostgresOption
	switch blobstore.DriverType(service.BlobDriver) {
	case blobstore.DriverTypeLocal:
		driver, err := blobstore.NewLocalFilesystem(blobstore.LocalConfiguration{BasePath: service.BlobLocalPath})
		if err != nil {
			panic(err)
		}
		options = append(options, objstore.WithBlobDriver(driver))
	case blobstore.DriverTypeAWSS3:
		driver, err := blobstore.NewS3(blobstore.S3Configuration{
			AccessID:      service.S3AccessID,
			AccessKey:     service.S3AccessKey,
			AWSRegion:     service.S3Region,
			AWSBucketName: service.S3Bucket,
			KeyPrefix:     service.S3KeyPrefix,
		})
		if err != nil {
			panic(err)
		}
		options = append(options, objstore.WithBlobDriver(driver))
	case blobstore.None:
	default:
		panic("unknown BLOB_DRIVER " + service.BlobDriver)
	}
	return objstore.NewPostgresStore(db, options...), func() { db.Close() }
}
