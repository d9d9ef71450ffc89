package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/solumlabs/qcchain/crypto/bls12"
)

var (
	keygenCount int
	keygenDir   string

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate BLS12-381 key pairs for finalizers.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := generateKeys(keygenDir, keygenCount); err != nil {
				log.Fatalln("keygen failed:", err)
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().IntVarP(&keygenCount, "num", "n", 4, "number of key pairs to generate")
	keygenCmd.Flags().StringVar(&keygenDir, "dir", "keys", "output directory")
}

func generateKeys(dir string, count int) (err error) {
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return mkErr
	}
	for i := 0; i < count; i++ {
		priv, keyErr := bls12.GeneratePrivateKey()
		if keyErr != nil {
			err = multierr.Append(err, keyErr)
			continue
		}
		privPath := filepath.Join(dir, fmt.Sprintf("r%d.key", i))
		pubPath := filepath.Join(dir, fmt.Sprintf("r%d.pub", i))
		err = multierr.Append(err, bls12.WritePrivateKeyFile(priv, privPath))
		err = multierr.Append(err, bls12.WritePublicKeyFile(priv.Public(), pubPath))
	}
	return err
}
