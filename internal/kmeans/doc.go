// Package kmeans implements the Lloyd k-means clustering used to train the
// levels of a vocabulary tree.
package kmeans
